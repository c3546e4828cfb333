// Package misc reads and writes the boot command record kept at the start of
// the misc partition and reboots the device into the updater.
//
// The record is two null padded ASCII fields with no checksum and no version
// marker. The installer that consumes it after reboot relies on this exact
// layout.
package misc

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

const (
	CommandSize = 20
	UpdateSize  = 100
	RecordSize  = CommandSize + UpdateSize

	CommandBootUpdater = "boot_updater"
	UpdatePackageArg   = "--update_package="
)

// UpdateMessage is the record handed to the updater across a reboot
type UpdateMessage struct {
	Command [CommandSize]byte
	Update  [UpdateSize]byte
}

// NewUpdateMessage fills a record. Both fields must leave room for a
// terminating null byte.
func NewUpdateMessage(command, update string) (UpdateMessage, error) {
	var msg UpdateMessage
	if len(command) >= CommandSize {
		return msg, ota.Errorf(ota.ParamError, "misc.NewUpdateMessage", "command %q exceeds %d bytes", command, CommandSize-1)
	}
	if len(update) >= UpdateSize {
		return msg, ota.Errorf(ota.ParamError, "misc.NewUpdateMessage", "update argument exceeds %d bytes", UpdateSize-1)
	}
	copy(msg.Command[:], command)
	copy(msg.Update[:], update)
	return msg, nil
}

func (m UpdateMessage) CommandString() string {
	return cString(m.Command[:])
}

func (m UpdateMessage) UpdateString() string {
	return cString(m.Update[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (m UpdateMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	copy(buf, m.Command[:])
	copy(buf[CommandSize:], m.Update[:])
	return buf, nil
}

func (m *UpdateMessage) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("short misc record: %d bytes", len(data))
	}
	copy(m.Command[:], data[:CommandSize])
	copy(m.Update[:], data[CommandSize:RecordSize])
	return nil
}

// WriteUpdaterMessage stores msg at offset 0 of the misc device at path.
func WriteUpdaterMessage(path string, msg UpdateMessage) (err error) {
	const op = "misc.WriteUpdaterMessage"
	if path == "" {
		return ota.Errorf(ota.ParamError, op, "empty misc path")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return ota.E(ota.IOError, op, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = multierror.Append(err, ota.E(ota.IOError, op, cerr)).ErrorOrNil()
		}
	}()

	buf, _ := msg.MarshalBinary()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return ota.E(ota.IOError, op, err)
	}
	if err := f.Sync(); err != nil {
		return ota.E(ota.IOError, op, err)
	}
	log.Infof("wrote misc record command=%q to %s", msg.CommandString(), path)
	return nil
}

// ReadUpdaterMessage loads the record at offset 0 of the misc device.
func ReadUpdaterMessage(path string) (UpdateMessage, error) {
	const op = "misc.ReadUpdaterMessage"
	var msg UpdateMessage
	if path == "" {
		return msg, ota.Errorf(ota.ParamError, op, "empty misc path")
	}
	f, err := os.Open(path)
	if err != nil {
		return msg, ota.E(ota.IOError, op, err)
	}
	defer f.Close()

	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, RecordSize), buf); err != nil {
		return msg, ota.E(ota.IOError, op, err)
	}
	if err := msg.UnmarshalBinary(buf); err != nil {
		return msg, ota.E(ota.IOError, op, err)
	}
	return msg, nil
}

// RebootAndInstallUpgradePackage records an install instruction for
// packageName and reboots into the updater with that instruction as the boot
// argument. On success the call only returns if r returns.
func RebootAndInstallUpgradePackage(r Rebooter, miscPath, packageName string) error {
	const op = "misc.RebootAndInstallUpgradePackage"
	if packageName == "" {
		return ota.Errorf(ota.ParamError, op, "empty package name")
	}
	f, err := os.Open(packageName)
	if err != nil {
		return ota.E(ota.ParamError, op, fmt.Errorf("package not readable: %w", err))
	}
	f.Close()

	update := UpdatePackageArg + packageName
	msg, err := NewUpdateMessage(CommandBootUpdater, update)
	if err != nil {
		return err
	}
	if err := WriteUpdaterMessage(miscPath, msg); err != nil {
		return err
	}
	return reboot(r, op, update)
}

// RebootAndCleanUserData records cmd verbatim as the updater argument, used
// for data wipe instructions, and reboots into the updater.
func RebootAndCleanUserData(r Rebooter, miscPath, cmd string) error {
	const op = "misc.RebootAndCleanUserData"
	if cmd == "" {
		return ota.Errorf(ota.ParamError, op, "empty command")
	}
	msg, err := NewUpdateMessage(CommandBootUpdater, cmd)
	if err != nil {
		return err
	}
	if err := WriteUpdaterMessage(miscPath, msg); err != nil {
		return err
	}
	return reboot(r, op, cmd)
}

func reboot(r Rebooter, op, arg string) error {
	if r == nil {
		return ota.Errorf(ota.ParamError, op, "no rebooter configured")
	}
	log.Warnf("rebooting into updater: %s", arg)
	if err := r.Reboot(arg); err != nil {
		return ota.E(ota.IOError, op, fmt.Errorf("reboot failed: %w", err))
	}
	return nil
}
