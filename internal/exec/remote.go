package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/execgate/internal/node"
	"github.com/codefionn/execgate/internal/policy"
)

// runRemote dispatches an approved (or approval-free) command to a paired
// node. Transport and remote failures surface as invoke-failed denials, not
// as assumed success.
func (d *Dispatcher) runRemote(ctx context.Context, req Request, eff policy.Effective, target node.Node, decision string) *Response {
	start := time.Now()
	result, err := d.invoker.RunCommand(ctx, target, node.RunParams{
		Command:          req.Command,
		Cwd:              req.Workdir,
		Env:              req.Env,
		TimeoutMs:        req.Timeout * 1000,
		Approved:         true,
		ApprovalDecision: decision,
	})
	if err != nil {
		resp := &Response{
			Status:     StatusFailed,
			ExitCode:   -1,
			Reason:     fmt.Sprintf("invoke-failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
		d.record(req, eff, resp, start)
		return resp
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += result.Stderr
	}
	resp := &Response{
		Status:     StatusCompleted,
		ExitCode:   result.ExitCode,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   result.TimedOut,
	}
	if !result.Success {
		resp.Status = StatusFailed
		switch {
		case result.Error != "":
			resp.Reason = result.Error
		case result.TimedOut:
			resp.Reason = fmt.Sprintf("Command timed out after %d seconds", req.Timeout)
		default:
			resp.Reason = fmt.Sprintf("exit code %d", result.ExitCode)
		}
	}
	d.record(req, eff, resp, start)
	return resp
}
