//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

// isProcessRunning reports whether a process with the given PID exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false
		}
		// EPERM means the process exists but belongs to another user.
		if strings.Contains(err.Error(), "operation not permitted") {
			return true
		}
		return false
	}
	return true
}
