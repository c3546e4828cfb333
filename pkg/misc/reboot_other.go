//go:build !linux

package misc

import (
	"errors"
	"runtime"
)

type SyscallRebooter struct{}

func (SyscallRebooter) Reboot(string) error {
	return errors.New("reboot into updater is not supported on " + runtime.GOOS)
}
