// Package registry owns all live execution session state. It is the only
// component allowed to mutate a session's exit and backgrounded fields;
// everything else observes sessions through its accessors.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/logger"
	"github.com/codefionn/execgate/internal/spawn"
)

// Status is the terminal (or running) state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// killGraceWindow is how long a graceful termination signal gets before the
// registry escalates to a forceful kill.
const killGraceWindow = time.Second

const truncationMarker = "\n\n[... output truncated ...]\n\n"

// Session is one spawned process tracked by the registry. All mutable fields
// are guarded by mu; the exported identity fields are set once at creation.
type Session struct {
	ID         string
	SessionKey string
	Command    string
	Cwd        string
	StartedAt  time.Time

	proc *spawn.Process

	mu           sync.Mutex
	output       string
	pending      string
	truncated    bool
	status       Status
	exitCode     int
	exitSignal   string
	failReason   string
	timedOut     bool
	backgrounded bool
	killed       bool
	notifyOnExit bool
	exitNotified bool
	done         chan struct{}
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot is a read-consistent copy of a session's observable state.
type Snapshot struct {
	ID           string
	SessionKey   string
	Command      string
	Cwd          string
	Pid          int
	Status       Status
	ExitCode     int
	ExitSignal   string
	Reason       string
	TimedOut     bool
	Truncated    bool
	Backgrounded bool
	Output       string
	StartedAt    time.Time
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	return Snapshot{
		ID:           s.ID,
		SessionKey:   s.SessionKey,
		Command:      s.Command,
		Cwd:          s.Cwd,
		Pid:          pid,
		Status:       s.status,
		ExitCode:     s.exitCode,
		ExitSignal:   s.exitSignal,
		Reason:       s.failReason,
		TimedOut:     s.timedOut,
		Truncated:    s.truncated,
		Backgrounded: s.backgrounded,
		Output:       s.output,
		StartedAt:    s.StartedAt,
	}
}

// Registry is an explicit arena for sessions. Multiple independent
// registries can coexist; there is no package-level state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	maxChars        int
	pendingMaxChars int
	sink            events.Sink
}

// New creates a registry. maxChars is the hard cap on a session's rolling
// output buffer; pendingMaxChars caps the smaller pre-background buffer.
func New(maxChars, pendingMaxChars int, sink events.Sink) *Registry {
	if sink == nil {
		sink = events.LogSink{}
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		maxChars:        maxChars,
		pendingMaxChars: pendingMaxChars,
		sink:            sink,
	}
}

// AddSession registers a spawned process and starts pumping its output. The
// returned session is already live.
func (r *Registry) AddSession(sessionKey, command, cwd string, proc *spawn.Process, notifyOnExit bool) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		SessionKey:   sessionKey,
		Command:      command,
		Cwd:          cwd,
		StartedAt:    time.Now(),
		proc:         proc,
		status:       StatusRunning,
		notifyOnExit: notifyOnExit,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if proc != nil {
		go r.pump(s)
	}
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns snapshots of every tracked session.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Remove drops a session from the arena. The underlying process, if still
// running, is not touched.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// pump drains the process output into the session buffers, then records the
// exit. Output is fully appended before the exit state becomes observable.
func (r *Registry) pump(s *Session) {
	for chunk := range s.proc.Output() {
		r.AppendOutput(s, string(chunk))
	}
	<-s.proc.Exited()

	state := s.proc.ExitState()
	status := StatusCompleted
	if state.Code != 0 || state.Signal != "" {
		status = StatusFailed
	}
	r.MarkExited(s, state.Code, state.Signal, status)
}

// AppendOutput adds a chunk to the session's buffers, enforcing the hard cap
// with middle truncation and the smaller pending cap with head truncation.
// Chunks arriving after exit are dropped; exited buffers are frozen.
func (r *Registry) AppendOutput(s *Session, chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}

	s.output += chunk
	if r.maxChars > 0 && len(s.output) > r.maxChars {
		s.output = truncateMiddle(s.output, r.maxChars)
		s.truncated = true
	}

	if !s.backgrounded {
		s.pending += chunk
		if r.pendingMaxChars > 0 && len(s.pending) > r.pendingMaxChars {
			s.pending = s.pending[len(s.pending)-r.pendingMaxChars:]
		}
	}
}

// truncateMiddle keeps head and tail context around a marker so that both
// the command's banner and its most recent output survive the cap.
func truncateMiddle(text string, max int) string {
	if len(text) <= max {
		return text
	}
	keep := max - len(truncationMarker)
	if keep < 2 {
		return text[len(text)-max:]
	}
	head := keep / 2
	tail := keep - head
	return text[:head] + truncationMarker + text[len(text)-tail:]
}

// MarkExited transitions the session to a terminal state. Only the first
// call takes effect; later calls are no-ops. A timeout recorded beforehand
// overrides the natural exit status with the synthesized failure.
func (r *Registry) MarkExited(s *Session, code int, signal string, status Status) {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.exitCode = code
	s.exitSignal = signal
	s.status = status
	if s.timedOut {
		s.status = StatusFailed
	}
	notify := s.notifyOnExit && s.backgrounded && !s.exitNotified
	if notify {
		s.exitNotified = true
	}
	sessionKey := s.SessionKey
	command := s.Command
	summary := s.terminalSummaryLocked()
	tailText := Tail(s.output, 400)
	close(s.done)
	s.mu.Unlock()

	logger.Debug("registry: session %s exited: %s", s.ID, summary)
	if notify {
		text := fmt.Sprintf("Background command finished (%s): %s", summary, command)
		if tailText != "" {
			text += "\n" + tailText
		}
		r.sink.Emit(events.Outcome(sessionKey, text))
	}
}

func (s *Session) terminalSummaryLocked() string {
	switch {
	case s.timedOut:
		return s.failReason
	case s.exitSignal != "":
		return "signal " + s.exitSignal
	default:
		return fmt.Sprintf("exit code %d", s.exitCode)
	}
}

// MarkBackgrounded detaches the caller from the session. The transition is
// one-way; the pending buffer is released since no caller is waiting on it.
func (r *Registry) MarkBackgrounded(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backgrounded {
		return
	}
	s.backgrounded = true
	s.pending = ""
}

// Backgrounded reports whether the caller has detached.
func (s *Session) Backgrounded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backgrounded
}

// TakePending returns and clears the undelivered output accumulated since
// the last delivery.
func (r *Registry) TakePending(s *Session) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = ""
	return pending
}

// KillSession force-terminates the session's process. It is idempotent:
// killing an exited or already-killed session changes nothing.
func (r *Registry) KillSession(s *Session) {
	s.mu.Lock()
	if s.status != StatusRunning || s.killed || s.proc == nil {
		s.mu.Unlock()
		return
	}
	s.killed = true
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Kill(); err != nil {
		logger.Warn("registry: failed to kill session %s: %v", s.ID, err)
	}
}

// Cancel kills the session unless it has been backgrounded. Timeouts do not
// go through here; they kill regardless of background state.
func (r *Registry) Cancel(s *Session) {
	if s.Backgrounded() {
		return
	}
	r.KillSession(s)
}

// StartTimeout arms the timeout escalation for a session: after d, send a
// graceful termination signal, wait the grace window, then force-kill. The
// terminal state becomes failed with a timeout reason. A session that exits
// first disarms the timer.
func (r *Registry) StartTimeout(s *Session, d time.Duration) {
	if d <= 0 || s.proc == nil {
		return
	}
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.status != StatusRunning {
			s.mu.Unlock()
			return
		}
		s.timedOut = true
		s.failReason = fmt.Sprintf("Command timed out after %d seconds", int(d.Seconds()))
		proc := s.proc
		s.mu.Unlock()

		logger.Info("registry: session %s timed out after %s, terminating", s.ID, d)
		_ = proc.Signal(syscall.SIGTERM)

		select {
		case <-s.done:
			return
		case <-time.After(killGraceWindow):
		}
		r.KillSession(s)
	}()
}

// Tail returns the last n characters of text, preferring to start at a line
// boundary when one is close by.
func Tail(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	text = strings.TrimRight(text, "\n")
	if len(text) <= n {
		return text
	}
	cut := text[len(text)-n:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		return cut[idx+1:]
	}
	return cut
}
