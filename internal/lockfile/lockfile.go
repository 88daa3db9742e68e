// Package lockfile provides a file-based lock that serializes
// read-modify-write cycles on a shared state file across processes.
// The in-process mutex of a store is not enough: the CLI and a running
// gate both rewrite the approvals file.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned by TryAcquire when another live process holds
// the lock.
var ErrLocked = errors.New("lockfile held by another process")

// Holds are expected to last milliseconds. A lock older than this is
// treated as left behind by a crashed process.
const staleAfter = 30 * time.Second

// retryInterval is how often Acquire re-attempts a contended lock.
const retryInterval = 25 * time.Millisecond

// Lockfile guards a state file through an exclusive sibling lock file
// containing the holder's PID and acquisition time.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// New creates a lock. By convention the lock for a state file lives at
// "<state file>.lock"; see ForFile.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// ForFile creates the conventional lock for the given state file.
func ForFile(statePath string) *Lockfile {
	return New(statePath + ".lock")
}

// Acquire takes the lock, retrying while another process holds it.
// It returns when the lock is held or ctx is done.
func (l *Lockfile) Acquire(ctx context.Context) error {
	for {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", l.path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// TryAcquire attempts to take the lock without waiting. A stale lock
// file (dead holder, or older than the stale threshold) is removed and
// the acquisition retried once.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		stale, holder := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, holder)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lock file: %w", removeErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			return fmt.Errorf("%w: reacquired by another process", ErrLocked)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	l.file = file
	l.locked = true
	return nil
}

// checkStale reports whether the existing lock file can be broken, and
// describes the holder when it cannot.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Unreadable lock files count as stale; the exclusive create
		// after removal still arbitrates.
		return true, ""
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, ""
	}
	if !isProcessRunning(pid) {
		return true, ""
	}

	if len(lines) >= 2 {
		acquired, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
		if err == nil && time.Since(acquired) > staleAfter {
			return true, ""
		}
	}
	return false, fmt.Sprintf("pid %d", pid)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			err = fmt.Errorf("%v; failed to remove lock file: %w", err, removeErr)
		} else {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	l.locked = false
	return err
}

// Locked reports whether this instance holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock file location.
func (l *Lockfile) Path() string {
	return l.path
}
