//go:build !windows

package spawn

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

func ptySupported() bool { return true }

// startPTY attaches the command to a pseudo-terminal. The pty master serves
// as both the input writer and the output stream, so interactive programs
// see a terminal and line-buffer accordingly.
func startPTY(opts Options) (*Process, error) {
	cmd := exec.Command("sh", "-c", opts.Command)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	proc := newProcess(cmd, ModePTY, master)
	proc.pump(master)

	go func() {
		<-proc.exited
		_ = master.Close()
	}()
	return proc, nil
}

// isPTYClosed reports whether err is the EIO a pty master returns once the
// child side has gone away. That is the normal end of stream, not a failure.
func isPTYClosed(err error) bool {
	return errors.Is(err, syscall.EIO)
}
