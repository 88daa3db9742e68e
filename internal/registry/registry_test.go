package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/spawn"
)

func waitDone(t *testing.T, s *Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatal("session did not settle in time")
	}
}

func TestPumpDeliversOutputBeforeExit(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "echo hello"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "echo hello", "", proc, false)

	waitDone(t, s, 10*time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.ExitCode)
	assert.Contains(t, snap.Output, "hello")
}

func TestAppendOutputMiddleTruncation(t *testing.T) {
	r := New(200, 0, &events.MemorySink{})
	s := r.AddSession("sess-1", "noisy", "", nil, false)

	head := strings.Repeat("a", 150)
	tail := strings.Repeat("z", 150)
	r.AppendOutput(s, head)
	r.AppendOutput(s, tail)

	snap := s.Snapshot()
	assert.True(t, snap.Truncated)
	assert.LessOrEqual(t, len(snap.Output), 200)
	assert.Contains(t, snap.Output, "output truncated")
	assert.True(t, strings.HasPrefix(snap.Output, "a"), "head context kept")
	assert.True(t, strings.HasSuffix(snap.Output, "z"), "tail preserved")
}

func TestPendingBufferCap(t *testing.T) {
	r := New(0, 10, &events.MemorySink{})
	s := r.AddSession("sess-1", "noisy", "", nil, false)

	r.AppendOutput(s, "0123456789")
	r.AppendOutput(s, "abcdefghij")

	assert.Equal(t, "abcdefghij", r.TakePending(s))
	assert.Empty(t, r.TakePending(s))
}

func TestBackgroundedSessionsSkipPending(t *testing.T) {
	r := New(0, 100, &events.MemorySink{})
	s := r.AddSession("sess-1", "noisy", "", nil, false)

	r.AppendOutput(s, "before ")
	r.MarkBackgrounded(s)
	r.AppendOutput(s, "after")

	assert.Empty(t, r.TakePending(s))
	assert.Contains(t, s.Snapshot().Output, "after")
	assert.True(t, s.Backgrounded())
}

func TestMarkExitedOnlyOnce(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})
	s := r.AddSession("sess-1", "cmd", "", nil, false)

	r.MarkExited(s, 0, "", StatusCompleted)
	r.MarkExited(s, 7, "killed", StatusFailed)

	snap := s.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.ExitCode)
	waitDone(t, s, time.Second)
}

func TestOutputFrozenAfterExit(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})
	s := r.AddSession("sess-1", "cmd", "", nil, false)

	r.AppendOutput(s, "early")
	r.MarkExited(s, 0, "", StatusCompleted)
	r.AppendOutput(s, " late")

	assert.Equal(t, "early", s.Snapshot().Output)
}

func TestKillSessionIdempotent(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "sleep 30"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "sleep 30", "", proc, false)

	r.KillSession(s)
	waitDone(t, s, 10*time.Second)
	first := s.Snapshot()

	r.KillSession(s)
	assert.Equal(t, first, s.Snapshot())
	assert.Equal(t, StatusFailed, first.Status)
	assert.NotEmpty(t, first.ExitSignal)
}

func TestCancelSkipsBackgroundedSessions(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "sleep 30"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "sleep 30", "", proc, false)

	r.MarkBackgrounded(s)
	r.Cancel(s)

	select {
	case <-s.Done():
		t.Fatal("backgrounded session was killed by cancellation")
	case <-time.After(200 * time.Millisecond):
	}

	r.KillSession(s)
	waitDone(t, s, 10*time.Second)
}

func TestTimeoutSynthesizesFailure(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "sleep 10"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "sleep 10", "", proc, false)
	r.StartTimeout(s, time.Second)

	waitDone(t, s, 10*time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.True(t, snap.TimedOut)
	assert.Contains(t, snap.Reason, "timed out after 1 seconds")
}

func TestTimeoutEscalatesToForceKill(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "trap '' TERM; sleep 10"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "stubborn", "", proc, false)
	r.StartTimeout(s, time.Second)

	waitDone(t, s, 10*time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.True(t, snap.TimedOut)
}

func TestTimeoutDisarmedByExit(t *testing.T) {
	r := New(0, 0, &events.MemorySink{})

	proc, err := spawn.Start(spawn.Options{Command: "echo quick"})
	require.NoError(t, err)
	s := r.AddSession("sess-1", "echo quick", "", proc, false)
	r.StartTimeout(s, 30*time.Second)

	waitDone(t, s, 10*time.Second)

	snap := s.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.False(t, snap.TimedOut)
}

func TestExitNotificationAtMostOnce(t *testing.T) {
	sink := &events.MemorySink{}
	r := New(0, 0, sink)
	s := r.AddSession("sess-1", "make build", "", nil, true)

	r.MarkBackgrounded(s)
	r.AppendOutput(s, "build ok\n")
	r.MarkExited(s, 0, "", StatusCompleted)
	r.MarkExited(s, 0, "", StatusCompleted)

	emitted := sink.Events()
	require.Len(t, emitted, 1)
	assert.Equal(t, "sess-1", emitted[0].SessionKey)
	assert.Equal(t, events.KindOutcome, emitted[0].Kind)
	assert.Contains(t, emitted[0].Text, "finished")
	assert.Contains(t, emitted[0].Text, "build ok")
}

func TestNoNotificationForForegroundSessions(t *testing.T) {
	sink := &events.MemorySink{}
	r := New(0, 0, sink)
	s := r.AddSession("sess-1", "ls", "", nil, true)

	r.MarkExited(s, 0, "", StatusCompleted)

	assert.Empty(t, sink.Events())
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want string
	}{
		{"short text unchanged", "hello", 10, "hello"},
		{"trailing newline trimmed", "hello\n", 10, "hello"},
		{"cut at line boundary", "line one\nline two\nline three", 12, "line three"},
		{"no boundary keeps raw tail", "abcdefghij", 4, "ghij"},
		{"zero length", "hello", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tail(tt.text, tt.n))
		})
	}
}

func TestRegistryArenaIsolation(t *testing.T) {
	a := New(0, 0, &events.MemorySink{})
	b := New(0, 0, &events.MemorySink{})

	s := a.AddSession("sess-1", "cmd", "", nil, false)
	_, ok := a.Get(s.ID)
	assert.True(t, ok)
	_, ok = b.Get(s.ID)
	assert.False(t, ok)

	a.Remove(s.ID)
	_, ok = a.Get(s.ID)
	assert.False(t, ok)
}
