// Package exec is the multi-host command dispatcher. Each invocation walks
// the same pipeline: validate, resolve the effective policy, evaluate the
// allowlist, request approval when the policy demands one, then execute on
// the sandbox, the local gateway, or a paired remote node.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/approval"
	"github.com/codefionn/execgate/internal/config"
	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/history"
	"github.com/codefionn/execgate/internal/logger"
	"github.com/codefionn/execgate/internal/node"
	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
)

// Request is the tool invocation surface consumed by the agent runtime.
type Request struct {
	Command    string            `json:"command"`
	Workdir    string            `json:"workdir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    int               `json:"timeout,omitempty"` // seconds
	Background bool              `json:"background,omitempty"`
	YieldMs    int               `json:"yieldMs,omitempty"`
	PTY        bool              `json:"pty,omitempty"`
	Elevated   bool              `json:"elevated,omitempty"`
	Host       policy.Host       `json:"host,omitempty"`
	Security   policy.Security   `json:"security,omitempty"`
	Ask        policy.Ask        `json:"ask,omitempty"`
	Node       string            `json:"node,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
	SessionKey string            `json:"sessionKey,omitempty"`
}

// Status classifies a dispatcher response.
type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusApprovalPending Status = "approval-pending"
)

// Response is the dispatcher's answer to one invocation.
type Response struct {
	Status     Status   `json:"status"`
	SessionID  string   `json:"sessionId,omitempty"`
	Pid        int      `json:"pid,omitempty"`
	Tail       string   `json:"tail,omitempty"`
	ExitCode   int      `json:"exitCode"`
	Output     string   `json:"output,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
	DurationMs int64    `json:"durationMs,omitempty"`
	TimedOut   bool     `json:"timedOut,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`

	ApprovalID        string    `json:"approvalId,omitempty"`
	ApprovalSlug      string    `json:"approvalSlug,omitempty"`
	ApprovalExpiresAt time.Time `json:"approvalExpiresAt,omitempty"`
}

// Dispatcher routes execution requests through the policy, allowlist, and
// approval gates to the right host.
type Dispatcher struct {
	cfg      *config.Config
	store    *allowlist.Store
	sessions *registry.Registry
	workflow *approval.Workflow
	nodes    *node.Registry
	invoker  node.Invoker
	trail    *history.Store
	sink     events.Sink
	safeBins map[string]bool
}

// New wires a dispatcher. nodes, invoker, and trail may be nil when the
// corresponding surface is not configured.
func New(cfg *config.Config, store *allowlist.Store, sessions *registry.Registry, workflow *approval.Workflow,
	nodes *node.Registry, invoker node.Invoker, trail *history.Store, sink events.Sink) *Dispatcher {
	if sink == nil {
		sink = events.LogSink{}
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		workflow: workflow,
		nodes:    nodes,
		invoker:  invoker,
		trail:    trail,
		sink:     sink,
		safeBins: allowlist.NormalizeSafeBins(allowlist.DefaultSafeBins),
	}
}

// Execute runs one invocation through the full pipeline. Policy denials
// come back as errors with remediation text; execution failures come back
// as failed responses with the aggregated output.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}
	if req.Host == "" {
		req.Host = policy.HostGateway
	}
	if !policy.ValidHost(req.Host) {
		return nil, fmt.Errorf("unknown host %q (expected sandbox, gateway, or node)", req.Host)
	}
	if req.Security != "" && !policy.ValidSecurity(req.Security) {
		return nil, fmt.Errorf("unknown security mode %q (expected deny, allowlist, or full)", req.Security)
	}
	if req.Ask != "" && !policy.ValidAsk(req.Ask) {
		return nil, fmt.Errorf("unknown ask mode %q (expected off, on-miss, or always)", req.Ask)
	}
	if req.AgentID == "" {
		req.AgentID = "default"
	}

	agentDefaults, entries, err := d.store.Agent(req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approvals for agent %q: %w", req.AgentID, err)
	}

	eff := policy.Resolve(req.Host, d.cfg.Defaults, agentDefaults, &policy.Request{Security: req.Security, Ask: req.Ask})

	elevated := false
	if req.Elevated {
		if err := policy.ElevatedAllowed(d.cfg.Elevated, req.SessionKey); err != nil {
			return nil, err
		}
		// Elevated-full is the explicit trust escalation: it overrides the
		// resolved security level and skips the approval workflow.
		eff.Security = policy.SecurityFull
		elevated = true
		logger.Info("dispatcher: elevated execution granted for session %q", req.SessionKey)
	}

	if eff.Security == policy.SecurityDeny {
		return nil, fmt.Errorf("execution denied: security=deny for agent %q (raise defaults.security in the config, or the agent override in the approvals file, to allowlist or full)", req.AgentID)
	}

	var target node.Node
	if req.Host == policy.HostNode {
		if d.nodes == nil || d.invoker == nil {
			return nil, errors.New("no remote node channel is configured")
		}
		target, err = d.nodes.Resolve(req.Node)
		if err != nil {
			return nil, err
		}
		if !elevated && eff.Security == policy.SecurityAllowlist {
			// The node's allowlist is authoritative for node execution;
			// fetch a snapshot just-in-time, never cached.
			remote, ferr := d.invoker.FetchAllowlist(ctx, target, req.AgentID)
			if ferr != nil {
				resp := &Response{Status: StatusFailed, ExitCode: -1, Reason: fmt.Sprintf("invoke-failed: %v", ferr)}
				d.record(req, eff, resp, time.Now())
				return resp, nil
			}
			entries = remote
		}
	}

	// The sandbox host delegates isolation to the container runtime, so the
	// allowlist and approval gates do not apply there.
	if req.Host != policy.HostSandbox && !elevated {
		analysis := allowlist.Analyze(req.Command, req.Workdir, analysisEnv(req.Env))
		eval := allowlist.Evaluate(analysis, entries, d.safeBins, req.Workdir)

		if policy.RequiresApproval(eff, analysis.OK, eval.Satisfied) {
			return d.beginApproval(req, eff, target, analysis, eval), nil
		}
		if eff.Security == policy.SecurityAllowlist && !eval.Satisfied {
			reason := "allowlist miss"
			if !analysis.OK {
				reason = fmt.Sprintf("allowlist miss (%s)", analysis.Reason)
			}
			return nil, fmt.Errorf("execution denied: %s for %q (set ask=on-miss to request approval, or add a pattern via the approvals surface)", reason, req.Command)
		}
		if eval.Satisfied && req.Host == policy.HostGateway {
			d.store.RecordUse(req.AgentID, eval.MatchedPatterns, req.Command, firstResolvedPath(analysis))
		}
	}

	if req.Host == policy.HostNode {
		resp := d.runRemote(ctx, req, eff, target, "")
		return resp, nil
	}
	return d.runLocal(ctx, req, eff)
}

// analysisEnv is the environment the analyzer resolves executables against:
// the gateway's own PATH and HOME, overlaid with the request overrides.
func analysisEnv(overrides map[string]string) map[string]string {
	env := map[string]string{
		"PATH": os.Getenv("PATH"),
		"HOME": os.Getenv("HOME"),
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

func firstResolvedPath(analysis *allowlist.Analysis) string {
	for _, seg := range analysis.Segments {
		if seg.Resolution != nil && seg.Resolution.ResolvedPath != "" {
			return seg.Resolution.ResolvedPath
		}
	}
	return ""
}

// segmentPatterns lists the resolved executable paths of every segment, the
// patterns an allow-always decision persists.
func segmentPatterns(analysis *allowlist.Analysis) []string {
	var patterns []string
	seen := make(map[string]bool)
	for _, seg := range analysis.Segments {
		if seg.Resolution == nil || seg.Resolution.ResolvedPath == "" {
			continue
		}
		path := seg.Resolution.ResolvedPath
		if !seen[path] {
			seen[path] = true
			patterns = append(patterns, path)
		}
	}
	return patterns
}

// record appends the terminal outcome to the audit trail.
func (d *Dispatcher) record(req Request, eff policy.Effective, resp *Response, start time.Time) {
	if d.trail == nil {
		return
	}
	err := d.trail.Append(history.Record{
		SessionKey: req.SessionKey,
		Command:    req.Command,
		Cwd:        req.Workdir,
		Host:       string(eff.Host),
		Security:   string(eff.Security),
		Status:     string(resp.Status),
		ExitCode:   resp.ExitCode,
		TimedOut:   resp.TimedOut,
		Reason:     resp.Reason,
		StartedAt:  start,
		FinishedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("dispatcher: failed to record history: %v", err)
	}
}
