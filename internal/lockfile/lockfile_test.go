package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "state.json.lock"))

	require.NoError(t, lock.TryAcquire())
	require.True(t, lock.Locked())

	require.NoError(t, lock.Release())
	require.False(t, lock.Locked())

	require.NoError(t, lock.TryAcquire())
	require.NoError(t, lock.Release())
}

func TestTryAcquireContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	first := New(path)
	require.NoError(t, first.TryAcquire())
	defer first.Release()

	second := New(path)
	err := second.TryAcquire()
	require.ErrorIs(t, err, ErrLocked)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	first := New(path)
	require.NoError(t, first.TryAcquire())

	go func() {
		time.Sleep(100 * time.Millisecond)
		first.Release()
	}()

	second := New(path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, second.Acquire(ctx))
	second.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	first := New(path)
	require.NoError(t, first.TryAcquire())
	defer first.Release()

	second := New(path)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := second.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaleDeadHolderBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	content := fmt.Sprintf("%d\n%s\n", 999999, time.Now().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lock := New(path)
	require.NoError(t, lock.TryAcquire())
	lock.Release()
}

func TestStaleByAgeBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json.lock")

	stamp := time.Now().Add(-time.Minute).Format(time.RFC3339)
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), stamp)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lock := New(path)
	require.NoError(t, lock.TryAcquire())
	lock.Release()
}

func TestReleaseWithoutAcquire(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "state.json.lock"))
	require.NoError(t, lock.Release())
}

func TestForFileConvention(t *testing.T) {
	lock := ForFile("/tmp/exec-approvals.json")
	require.Equal(t, "/tmp/exec-approvals.json.lock", lock.Path())
}
