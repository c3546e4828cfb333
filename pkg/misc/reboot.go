package misc

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Rebooter restarts the device into updater mode, passing arg as the boot
// parameter.
type Rebooter interface {
	Reboot(arg string) error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func(arg string) error

func (f RebootFunc) Reboot(arg string) error {
	return f(arg)
}

// DryRunRebooter records reboot requests instead of performing them
type DryRunRebooter struct {
	mu   sync.Mutex
	args []string
}

func (d *DryRunRebooter) Reboot(arg string) error {
	d.mu.Lock()
	d.args = append(d.args, arg)
	d.mu.Unlock()
	log.Infof("dry run: skipping reboot with argument %q", arg)
	return nil
}

// Requests returns the boot arguments seen so far.
func (d *DryRunRebooter) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.args...)
}
