// Package events carries fire-and-forget system notifications out of the
// execution subsystem. The messaging layer (chat adapters, remote approver
// UIs) consumes them; nothing here waits for acknowledgement.
package events

import (
	"sync"
	"time"

	"github.com/codefionn/execgate/internal/logger"
)

// Kind classifies a notification so consumers can react to outcomes
// without parsing the text.
type Kind string

const (
	// KindInfo is a progress or advisory notification.
	KindInfo Kind = "info"
	// KindOutcome reports the terminal result of a detached execution or a
	// settled approval. A consumer waiting on a detached request keys off
	// this kind.
	KindOutcome Kind = "outcome"
)

// Event is one notification addressed to a session.
type Event struct {
	SessionKey string
	Kind       Kind
	Text       string
	Timestamp  time.Time
}

// Info builds an advisory event.
func Info(sessionKey, text string) Event {
	return Event{SessionKey: sessionKey, Kind: KindInfo, Text: text, Timestamp: time.Now()}
}

// Outcome builds a terminal-result event.
func Outcome(sessionKey, text string) Event {
	return Event{SessionKey: sessionKey, Kind: KindOutcome, Text: text, Timestamp: time.Now()}
}

// Sink receives system events. Emit must not block the caller for long and
// must tolerate being called concurrently.
type Sink interface {
	Emit(e Event)
}

// LogSink writes events to the logger. Used when no messaging layer is
// attached.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(e Event) {
	logger.Info("event: [%s] %s", e.SessionKey, e.Text)
}

// MemorySink collects events for inspection in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
