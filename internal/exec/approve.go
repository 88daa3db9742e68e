package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/approval"
	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/node"
	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
)

// beginApproval issues the async approval request and returns the pending
// placeholder immediately. Everything that happens after the decision runs
// detached and reports through the event sink.
func (d *Dispatcher) beginApproval(req Request, eff policy.Effective, target node.Node,
	analysis *allowlist.Analysis, eval *allowlist.Evaluation) *Response {
	areq := d.workflow.Begin(approval.Request{
		Command:    req.Command,
		Cwd:        req.Workdir,
		Host:       eff.Host,
		Security:   eff.Security,
		Ask:        eff.AskMode,
		AgentID:    req.AgentID,
		SessionKey: req.SessionKey,
		Patterns:   segmentPatterns(analysis),
	})

	go d.settleApproval(req, eff, target, areq, eval.Satisfied)

	return &Response{
		Status:            StatusApprovalPending,
		ApprovalID:        areq.ID,
		ApprovalSlug:      areq.Slug(),
		ApprovalExpiresAt: areq.ExpiresAt,
	}
}

// settleApproval waits for the decision (or its fallback) and carries out
// the execution. The original tool call already returned, so denials and
// results are delivered as fire-and-forget events.
func (d *Dispatcher) settleApproval(req Request, eff policy.Effective, target node.Node,
	areq approval.Request, allowlistSatisfied bool) {
	outcome := d.workflow.Await(context.Background(), areq, eff.AskFallback, allowlistSatisfied)
	if !outcome.Approved {
		d.sink.Emit(events.Outcome(req.SessionKey, fmt.Sprintf("Command was not executed (%s): %s", outcome.Reason, areq.Slug())))
		resp := &Response{Status: StatusFailed, ExitCode: -1, Reason: outcome.Reason}
		d.record(req, eff, resp, areq.CreatedAt)
		return
	}

	if req.Host == policy.HostNode {
		resp := d.runRemote(context.Background(), req, eff, target, string(outcome.Decision))
		summary := fmt.Sprintf("exit code %d", resp.ExitCode)
		if resp.Reason != "" {
			summary = resp.Reason
		}
		text := fmt.Sprintf("Approved command finished on %s (%s): %s", target.ID, summary, areq.Slug())
		if tail := registry.Tail(resp.Output, d.cfg.Approval.NotifyTailChars); tail != "" {
			text += "\n" + tail
		}
		d.sink.Emit(events.Outcome(req.SessionKey, text))
		return
	}

	start := time.Now()
	s, _, err := d.startLocal(req, false)
	if err != nil {
		d.sink.Emit(events.Outcome(req.SessionKey, fmt.Sprintf("Approved command failed to start: %v", err)))
		resp := &Response{Status: StatusFailed, ExitCode: -1, Reason: err.Error()}
		d.record(req, eff, resp, start)
		return
	}
	// The caller detached when the placeholder was returned.
	d.sessions.MarkBackgrounded(s)
	d.workflow.WatchSession(s,
		time.Duration(d.cfg.Approval.RunningNotifySeconds)*time.Second,
		d.cfg.Approval.NotifyTailChars)

	<-s.Done()
	d.terminalResponse(req, eff, s, start, nil)
}
