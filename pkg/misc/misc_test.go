package misc

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

func newMiscFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "misc")
	// emulate a partition that already carries data past the record
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, 4096), 0600))
	return path
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := newMiscFile(t)
	msg, err := NewUpdateMessage(CommandBootUpdater, "--update_package=/data/updater/updater.zip")
	require.NoError(t, err)

	require.NoError(t, WriteUpdaterMessage(path, msg))
	got, err := ReadUpdaterMessage(path)
	require.NoError(t, err)

	assert.Equal(t, msg, got)
	assert.Equal(t, "boot_updater", got.CommandString())
	assert.Equal(t, "--update_package=/data/updater/updater.zip", got.UpdateString())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, 4096, "partition is not truncated")
	assert.Equal(t, byte(0), raw[len("boot_updater")], "command is null padded")
	assert.Equal(t, byte(0xff), raw[RecordSize], "bytes after the record are untouched")
}

func TestNewUpdateMessageBounds(t *testing.T) {
	_, err := NewUpdateMessage(strings.Repeat("c", CommandSize), "")
	assert.Equal(t, ota.ParamError, ota.KindOf(err))

	_, err = NewUpdateMessage("boot_updater", strings.Repeat("u", UpdateSize))
	assert.Equal(t, ota.ParamError, ota.KindOf(err))

	_, err = NewUpdateMessage(strings.Repeat("c", CommandSize-1), strings.Repeat("u", UpdateSize-1))
	assert.NoError(t, err)
}

func TestReadShortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "misc")
	require.NoError(t, os.WriteFile(path, []byte("boot"), 0600))

	_, err := ReadUpdaterMessage(path)
	assert.Equal(t, ota.IOError, ota.KindOf(err))

	_, err = ReadUpdaterMessage("")
	assert.Equal(t, ota.ParamError, ota.KindOf(err))
}

func TestRebootAndInstallUpgradePackage(t *testing.T) {
	path := newMiscFile(t)
	pkg := filepath.Join(t.TempDir(), "updater.zip")
	require.NoError(t, os.WriteFile(pkg, []byte("pkg"), 0644))

	rebooter := &DryRunRebooter{}
	require.NoError(t, RebootAndInstallUpgradePackage(rebooter, path, pkg))

	msg, err := ReadUpdaterMessage(path)
	require.NoError(t, err)
	assert.Equal(t, CommandBootUpdater, msg.CommandString())
	assert.Equal(t, UpdatePackageArg+pkg, msg.UpdateString())
	assert.Equal(t, []string{UpdatePackageArg + pkg}, rebooter.Requests())
}

func TestRebootAndInstallMissingPackage(t *testing.T) {
	path := newMiscFile(t)
	rebooter := &DryRunRebooter{}

	err := RebootAndInstallUpgradePackage(rebooter, path, filepath.Join(t.TempDir(), "absent.zip"))
	assert.Equal(t, ota.ParamError, ota.KindOf(err))
	assert.Empty(t, rebooter.Requests())

	msg, err := ReadUpdaterMessage(path)
	require.NoError(t, err)
	assert.NotEqual(t, CommandBootUpdater, msg.CommandString(), "nothing written for a missing package")
}

func TestRebootAndCleanUserData(t *testing.T) {
	path := newMiscFile(t)
	var seen string
	r := RebootFunc(func(arg string) error {
		seen = arg
		return nil
	})

	require.NoError(t, RebootAndCleanUserData(r, path, "--user_wipe_data"))
	msg, err := ReadUpdaterMessage(path)
	require.NoError(t, err)
	assert.Equal(t, "--user_wipe_data", msg.UpdateString())
	assert.Equal(t, "--user_wipe_data", seen)

	failing := RebootFunc(func(string) error { return errors.New("denied") })
	err = RebootAndCleanUserData(failing, path, "--user_wipe_data")
	assert.Equal(t, ota.IOError, ota.KindOf(err))

	assert.Equal(t, ota.ParamError, ota.KindOf(RebootAndCleanUserData(r, path, "")))
}
