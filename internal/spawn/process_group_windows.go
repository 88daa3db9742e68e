//go:build windows

package spawn

import (
	"os/exec"
	"syscall"
)

// Windows has no Unix-style process groups; signals go to the process only.

func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

func getProcessGroupID(cmd *exec.Cmd) int {
	return 0
}

func signalProcessGroup(pgid int, sig syscall.Signal) error {
	_ = pgid
	_ = sig
	return syscall.EWINDOWS
}
