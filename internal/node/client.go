package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from the peer.
	maxMessageSize = 1 << 20

	// Slack on top of the command's own timeout before a silent node is
	// treated as unreachable.
	readSlack = 30 * time.Second

	// Read deadline for commands that name no timeout. Remote execution can
	// legitimately run long, but never forever.
	defaultRunWait = 10 * time.Minute

	// Read deadline for small control calls (allowlist snapshots).
	controlWait = 30 * time.Second
)

// runWait bounds how long RunCommand waits for the node's report.
func runWait(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return defaultRunWait
	}
	return time.Duration(timeoutMs)*time.Millisecond + readSlack
}

// RunParams carries one remote execution request.
type RunParams struct {
	Command          string            `json:"command"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutMs        int               `json:"timeoutMs,omitempty"`
	Approved         bool              `json:"approved"`
	ApprovalDecision string            `json:"approvalDecision,omitempty"`
	RunID            string            `json:"runId"`
}

// RunResult is the remote executor's report for one command.
type RunResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Success  bool   `json:"success"`
	TimedOut bool   `json:"timedOut"`
	Error    string `json:"error,omitempty"`
}

// Invoker is the RPC surface the dispatcher depends on. Tests substitute a
// fake; production uses Client.
type Invoker interface {
	RunCommand(ctx context.Context, n Node, params RunParams) (*RunResult, error)
	FetchAllowlist(ctx context.Context, n Node, agentID string) ([]allowlist.Entry, error)
}

type rpcRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client dials a node per invocation and performs one request/response
// round trip. Connections are not pooled; command execution dominates the
// round trip by orders of magnitude.
type Client struct {
	dialTimeout time.Duration
}

// NewClient creates a client with the given handshake timeout.
func NewClient(dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Client{dialTimeout: dialTimeout}
}

// Invoke performs one RPC round trip against the node. wait bounds how long
// the call blocks on the node's answer; a node that accepts the dial and
// then goes silent surfaces as an error rather than blocking forever.
func (c *Client) Invoke(ctx context.Context, n Node, method string, params interface{}, wait time.Duration) (json.RawMessage, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, n.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node %s: %w", n.ID, err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	if wait <= 0 {
		wait = controlWait
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	req := rpcRequest{ID: uuid.NewString(), Method: method, Params: params}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send %s to node %s: %w", method, n.ID, err)
	}
	logger.Debug("node: sent %s to %s (id=%s)", method, n.ID, req.ID)

	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("failed to read %s response from node %s: %w", method, n.ID, err)
		}
		if resp.ID != req.ID {
			// Unsolicited frame (e.g. a status push); skip it.
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("node %s rejected %s: %s", n.ID, method, resp.Error)
		}
		return resp.Payload, nil
	}
}

// RunCommand executes a command on the node and returns its report.
func (c *Client) RunCommand(ctx context.Context, n Node, params RunParams) (*RunResult, error) {
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}
	payload, err := c.Invoke(ctx, n, "system.run", params, runWait(params.TimeoutMs))
	if err != nil {
		return nil, err
	}
	var result RunResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("malformed system.run payload from node %s: %w", n.ID, err)
	}
	return &result, nil
}

type allowlistPayload struct {
	Allowlist []allowlist.Entry `json:"allowlist"`
}

// FetchAllowlist retrieves the node's current allowlist snapshot for the
// agent. Snapshots are fetched just-in-time and never cached.
func (c *Client) FetchAllowlist(ctx context.Context, n Node, agentID string) ([]allowlist.Entry, error) {
	params := map[string]string{"agentId": agentID}
	payload, err := c.Invoke(ctx, n, "system.execApprovals.get", params, controlWait)
	if err != nil {
		return nil, err
	}
	var snapshot allowlistPayload
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("malformed allowlist payload from node %s: %w", n.ID, err)
	}
	return snapshot.Allowlist, nil
}
