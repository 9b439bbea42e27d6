//go:build !windows

package registry

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid PID"
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, unix.EPERM):
		// exists, owned by someone else
		return true, ""
	case errors.Is(err, unix.ESRCH):
		return false, "process has finished"
	default:
		return false, "cannot signal process: " + err.Error()
	}
}
