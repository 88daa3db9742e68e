package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
	"github.com/codefionn/execgate/internal/spawn"
)

// startLocal spawns the process for a sandbox or gateway request and
// registers the session. notifyOnExit controls the registry's background
// exit notification.
func (d *Dispatcher) startLocal(req Request, notifyOnExit bool) (*registry.Session, []string, error) {
	opts := spawn.Options{
		Command: req.Command,
		Dir:     req.Workdir,
		Env:     req.Env,
	}
	if req.PTY {
		opts.Mode = spawn.ModePTY
	}
	if req.Host == policy.HostSandbox {
		opts.Mode = spawn.ModeContainer
		opts.ContainerRuntime = d.cfg.Sandbox.Runtime
		opts.Container = d.cfg.Sandbox.Container
	}

	proc, err := spawn.Start(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	s := d.sessions.AddSession(req.SessionKey, req.Command, req.Workdir, proc, notifyOnExit)
	if req.Timeout > 0 {
		d.sessions.StartTimeout(s, time.Duration(req.Timeout)*time.Second)
	}
	return s, proc.Warnings(), nil
}

// runLocal executes on the sandbox or gateway host and waits for the
// outcome, detaching into the background once the yield window elapses.
func (d *Dispatcher) runLocal(ctx context.Context, req Request, eff policy.Effective) (*Response, error) {
	start := time.Now()
	s, warnings, err := d.startLocal(req, true)
	if err != nil {
		return nil, err
	}

	if req.Background {
		d.sessions.MarkBackgrounded(s)
		snap := s.Snapshot()
		return &Response{
			Status:    StatusRunning,
			SessionID: snap.ID,
			Pid:       snap.Pid,
			Warnings:  warnings,
		}, nil
	}

	yield := time.Duration(req.YieldMs) * time.Millisecond
	if req.YieldMs <= 0 {
		yield = time.Duration(d.cfg.YieldMs) * time.Millisecond
	}
	yieldTimer := time.NewTimer(yield)
	defer yieldTimer.Stop()

	select {
	case <-s.Done():
		resp := d.terminalResponse(req, eff, s, start, warnings)
		return resp, nil
	case <-yieldTimer.C:
		tail := registry.Tail(d.sessions.TakePending(s), d.cfg.Approval.NotifyTailChars)
		d.sessions.MarkBackgrounded(s)
		snap := s.Snapshot()
		return &Response{
			Status:    StatusRunning,
			SessionID: snap.ID,
			Pid:       snap.Pid,
			Tail:      tail,
			Warnings:  warnings,
		}, nil
	case <-ctx.Done():
		d.sessions.Cancel(s)
		<-s.Done()
		resp := d.terminalResponse(req, eff, s, start, warnings)
		if resp.Reason == "" {
			resp.Reason = "cancelled"
		}
		return resp, nil
	}
}

// terminalResponse builds the completed/failed response from a settled
// session and records it in the audit trail.
func (d *Dispatcher) terminalResponse(req Request, eff policy.Effective, s *registry.Session, start time.Time, warnings []string) *Response {
	snap := s.Snapshot()
	resp := &Response{
		Status:     StatusCompleted,
		SessionID:  snap.ID,
		Pid:        snap.Pid,
		ExitCode:   snap.ExitCode,
		Output:     snap.Output,
		Truncated:  snap.Truncated,
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   snap.TimedOut,
		Reason:     snap.Reason,
		Warnings:   warnings,
	}
	if snap.Status == registry.StatusFailed {
		resp.Status = StatusFailed
		if resp.Reason == "" && snap.ExitSignal != "" {
			resp.Reason = "terminated by signal " + snap.ExitSignal
		}
	}
	d.record(req, eff, resp, start)
	return resp
}
