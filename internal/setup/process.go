package setup

import (
	"errors"

	"golang.org/x/sys/unix"
)

var processAlive = ProcessAlive

// ProcessAlive reports whether a process with pid exists. A process owned by
// another user counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
