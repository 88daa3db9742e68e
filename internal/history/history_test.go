package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := openStore(t)

	started := time.Now().Add(-2 * time.Second).Truncate(time.Millisecond)
	finished := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Append(Record{
		SessionKey: "sess-1",
		Command:    "echo hello",
		Cwd:        "/work",
		Host:       "gateway",
		Security:   "full",
		Status:     "completed",
		ExitCode:   0,
		StartedAt:  started,
		FinishedAt: finished,
	}))
	require.NoError(t, store.Append(Record{
		SessionKey: "sess-1",
		Command:    "sleep 10",
		Host:       "gateway",
		Status:     "failed",
		ExitCode:   -1,
		TimedOut:   true,
		Reason:     "Command timed out after 1 seconds",
		StartedAt:  started,
		FinishedAt: finished,
	}))

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Most recent first.
	assert.Equal(t, "sleep 10", records[0].Command)
	assert.True(t, records[0].TimedOut)
	assert.Contains(t, records[0].Reason, "timed out")

	assert.Equal(t, "echo hello", records[1].Command)
	assert.Equal(t, "completed", records[1].Status)
	assert.Equal(t, started.UnixMilli(), records[1].StartedAt.UnixMilli())
}

func TestRecentLimit(t *testing.T) {
	store := openStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(Record{
			SessionKey: "sess-1",
			Command:    "true",
			Status:     "completed",
		}))
	}

	records, err := store.Recent(3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Append(Record{SessionKey: "sess-1", Command: "ls", Status: "completed"}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	records, err := second.Recent(10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
