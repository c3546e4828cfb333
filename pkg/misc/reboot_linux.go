//go:build linux

package misc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SyscallRebooter restarts the kernel with LINUX_REBOOT_CMD_RESTART2 so the
// bootloader sees "updater:<arg>".
type SyscallRebooter struct{}

func (SyscallRebooter) Reboot(arg string) error {
	cmd, err := unix.BytePtrFromString("updater:" + arg)
	if err != nil {
		return fmt.Errorf("invalid reboot argument: %w", err)
	}
	unix.Sync()
	_, _, errno := unix.Syscall6(unix.SYS_REBOOT,
		uintptr(unix.LINUX_REBOOT_MAGIC1),
		uintptr(unix.LINUX_REBOOT_MAGIC2),
		uintptr(unix.LINUX_REBOOT_CMD_RESTART2),
		uintptr(unsafe.Pointer(cmd)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
