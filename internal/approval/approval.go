// Package approval implements the asynchronous human-decision workflow that
// gates command execution under strict policies. A request is raced against
// an expiry timer; late or duplicate resolutions are ignored so a command
// can never execute twice off one request.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/logger"
	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
)

// Decision is a human approver's answer.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// ValidDecision reports whether d is a recognized decision value.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return true
	}
	return false
}

// Request is one pending approval unit. All fields are set by Begin.
type Request struct {
	ID         string
	Command    string
	Cwd        string
	Host       policy.Host
	Security   policy.Security
	Ask        policy.Ask
	AgentID    string
	SessionKey string
	// Patterns are the resolved segment paths appended to the allowlist on
	// an allow-always decision.
	Patterns  []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Slug is a short display form of the command for approval prompts.
func (r Request) Slug() string {
	const max = 48
	if len(r.Command) <= max {
		return r.Command
	}
	return r.Command[:max-3] + "..."
}

// Outcome is the settled result of one approval request.
type Outcome struct {
	Approved bool
	Decision Decision
	TimedOut bool
	// Reason names the gate that failed: user-denied, approval-timeout, or
	// approval-timeout (allowlist-miss). Empty when approved.
	Reason string
}

// Channel delivers approval requests to a human-facing surface (chat
// buttons, a remote approver UI, a terminal prompt). Deliver must not block;
// answers come back through Workflow.Resolve.
type Channel interface {
	Deliver(req Request)
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(req Request)

// Deliver implements Channel.
func (f ChannelFunc) Deliver(req Request) { f(req) }

type pendingRequest struct {
	request  Request
	decision chan Decision
	timer    *time.Timer
	expired  chan struct{}
	resolved bool
}

// Workflow tracks pending approval requests and applies decisions, timeouts,
// and fallback policies.
type Workflow struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	channel Channel
	store   *allowlist.Store
	sink    events.Sink
	timeout time.Duration
}

// New creates a workflow. timeout is the decision window for each request;
// the caller-visible expiry is slightly shorter than the internal timer to
// absorb in-flight network latency.
func New(channel Channel, store *allowlist.Store, sink events.Sink, timeout time.Duration) *Workflow {
	if sink == nil {
		sink = events.LogSink{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Workflow{
		pending: make(map[string]*pendingRequest),
		channel: channel,
		store:   store,
		sink:    sink,
		timeout: timeout,
	}
}

// internalGrace is added to the caller-visible expiry before the workflow's
// own timer fires, so a decision sent right at the deadline still lands.
func internalGrace(timeout time.Duration) time.Duration {
	grace := timeout / 10
	if grace > 2*time.Second {
		grace = 2 * time.Second
	}
	return grace
}

// Begin registers a request and delivers it to the approval channel. The
// returned request carries the generated id and expiry for the pending
// placeholder the caller hands back to its own caller.
func (w *Workflow) Begin(req Request) Request {
	req.ID = uuid.NewString()[:16]
	req.CreatedAt = time.Now()
	req.ExpiresAt = req.CreatedAt.Add(w.timeout)

	p := &pendingRequest{
		request:  req,
		decision: make(chan Decision, 1),
		expired:  make(chan struct{}),
	}
	p.timer = time.AfterFunc(w.timeout+internalGrace(w.timeout), func() {
		w.expire(req.ID)
	})

	w.mu.Lock()
	w.pending[req.ID] = p
	w.mu.Unlock()

	logger.Info("approval: requesting decision for %q (id=%s, agent=%s)", req.Slug(), req.ID, req.AgentID)
	if w.channel != nil {
		go w.channel.Deliver(req)
	}
	return req
}

// Resolve applies a decision to a pending request. Requests that already
// settled (decided, timed out, or cancelled) reject the resolution; request
// ids are never reused.
func (w *Workflow) Resolve(id string, decision Decision) error {
	if !ValidDecision(decision) {
		return fmt.Errorf("unknown approval decision: %s", decision)
	}

	w.mu.Lock()
	p, ok := w.pending[id]
	if !ok || p.resolved {
		w.mu.Unlock()
		return fmt.Errorf("approval request %s not found or already resolved", id)
	}
	p.resolved = true
	w.mu.Unlock()

	p.timer.Stop()
	p.decision <- decision
	return nil
}

// expire commits the timeout for a request. Expiry and resolution race for
// the same resolved flag under the lock, so exactly one of them settles the
// request; a Resolve arriving after expiry gets the already-resolved error
// instead of a success for a dropped decision.
func (w *Workflow) expire(id string) {
	w.mu.Lock()
	p, ok := w.pending[id]
	if !ok || p.resolved {
		w.mu.Unlock()
		return
	}
	p.resolved = true
	w.mu.Unlock()

	close(p.expired)
}

// Pending returns the requests still awaiting a decision.
func (w *Workflow) Pending() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	requests := make([]Request, 0, len(w.pending))
	for _, p := range w.pending {
		if p.resolved {
			continue
		}
		requests = append(requests, p.request)
	}
	return requests
}

// Await blocks until the request decides, times out, or the context is
// cancelled, then applies the fallback policy. fallback is what a timeout
// means; allowlistSatisfied feeds the allowlist fallback.
func (w *Workflow) Await(ctx context.Context, req Request, fallback policy.Security, allowlistSatisfied bool) Outcome {
	w.mu.Lock()
	p, ok := w.pending[req.ID]
	w.mu.Unlock()
	if !ok {
		// Already settled elsewhere; deny to avoid double-execution.
		return Outcome{Reason: "approval-timeout"}
	}
	defer w.forget(req.ID)

	select {
	case decision := <-p.decision:
		return w.settleDecision(req, decision)
	case <-p.expired:
		return w.settleTimeout(req, fallback, allowlistSatisfied)
	case <-ctx.Done():
		p.timer.Stop()
		logger.Info("approval: request %s cancelled", req.ID)
		return Outcome{Reason: "approval-cancelled"}
	}
}

func (w *Workflow) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *Workflow) settleDecision(req Request, decision Decision) Outcome {
	switch decision {
	case DecisionDeny:
		logger.Info("approval: request %s denied", req.ID)
		return Outcome{Decision: DecisionDeny, Reason: "user-denied"}
	case DecisionAllowAlways:
		w.recordAllowAlways(req)
		return Outcome{Approved: true, Decision: DecisionAllowAlways}
	default:
		return Outcome{Approved: true, Decision: DecisionAllowOnce}
	}
}

func (w *Workflow) settleTimeout(req Request, fallback policy.Security, allowlistSatisfied bool) Outcome {
	logger.Info("approval: request %s expired (fallback=%s)", req.ID, fallback)
	switch fallback {
	case policy.SecurityFull:
		return Outcome{Approved: true, TimedOut: true}
	case policy.SecurityAllowlist:
		if allowlistSatisfied {
			return Outcome{Approved: true, TimedOut: true}
		}
		return Outcome{TimedOut: true, Reason: "approval-timeout (allowlist-miss)"}
	default:
		return Outcome{TimedOut: true, Reason: "approval-timeout"}
	}
}

// recordAllowAlways appends one allowlist entry per resolved segment
// pattern. Store failures are logged, not fatal; the approval stands.
func (w *Workflow) recordAllowAlways(req Request) {
	if w.store == nil {
		return
	}
	for _, pattern := range req.Patterns {
		if pattern == "" {
			continue
		}
		if err := w.store.AddEntry(req.AgentID, pattern); err != nil {
			logger.Warn("approval: failed to persist allowlist entry %q: %v", pattern, err)
		}
	}
}

// WatchSession emits the post-approval notifications: a "still running"
// event once execution exceeds runningAfter, and a "finished" event with a
// trimmed output tail at exit. Fire-and-forget; the original tool call has
// already returned its pending placeholder.
func (w *Workflow) WatchSession(s *registry.Session, runningAfter time.Duration, tailChars int) {
	go func() {
		if runningAfter > 0 {
			timer := time.NewTimer(runningAfter)
			select {
			case <-timer.C:
				w.sink.Emit(events.Info(s.SessionKey, fmt.Sprintf("Approved command is still running: %s", s.Command)))
				<-s.Done()
			case <-s.Done():
				timer.Stop()
			}
		} else {
			<-s.Done()
		}

		snap := s.Snapshot()
		summary := fmt.Sprintf("exit code %d", snap.ExitCode)
		if snap.Reason != "" {
			summary = snap.Reason
		} else if snap.ExitSignal != "" {
			summary = "signal " + snap.ExitSignal
		}
		text := fmt.Sprintf("Approved command finished (%s): %s", summary, snap.Command)
		if tail := registry.Tail(snap.Output, tailChars); tail != "" {
			text += "\n" + tail
		}
		w.sink.Emit(events.Outcome(snap.SessionKey, text))
	}()
}
