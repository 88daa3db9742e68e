//go:build windows

package spawn

import "errors"

func ptySupported() bool { return false }

func startPTY(opts Options) (*Process, error) {
	return nil, errors.New("pty mode is not supported on windows")
}

func isPTYClosed(err error) bool { return false }
