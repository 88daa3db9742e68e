package approval

import (
	"context"
	"fmt"

	"github.com/codefionn/execgate/internal/actor"
)

// Message types handled by the coordinator actor.
const (
	msgTypeResolve     = "approval_resolve"
	msgTypeListPending = "approval_list_pending"
)

// resolveMessage asks the coordinator to apply a decision.
type resolveMessage struct {
	requestID string
	decision  Decision
	reply     chan error
}

// Type implements actor.Message.
func (m *resolveMessage) Type() string { return msgTypeResolve }

// listPendingMessage asks for the currently pending requests.
type listPendingMessage struct {
	reply chan []Request
}

// Type implements actor.Message.
func (m *listPendingMessage) Type() string { return msgTypeListPending }

// Coordinator serializes approval resolutions from external surfaces (chat
// handlers, RPC endpoints, terminal prompts) through one mailbox so the
// workflow's pending map only ever sees ordered mutations from that side.
type Coordinator struct {
	id       string
	workflow *Workflow
}

// NewCoordinator creates the coordinator actor around a workflow.
func NewCoordinator(id string, workflow *Workflow) *Coordinator {
	return &Coordinator{id: id, workflow: workflow}
}

// ID implements actor.Actor.
func (c *Coordinator) ID() string { return c.id }

// Start implements actor.Actor.
func (c *Coordinator) Start(ctx context.Context) error { return nil }

// Stop implements actor.Actor.
func (c *Coordinator) Stop(ctx context.Context) error { return nil }

// Receive implements actor.Actor.
func (c *Coordinator) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *resolveMessage:
		m.reply <- c.workflow.Resolve(m.requestID, m.decision)
	case *listPendingMessage:
		m.reply <- c.workflow.Pending()
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type())
	}
	return nil
}

// Client is the synchronous facade over the coordinator actor.
type Client struct {
	ref *actor.ActorRef
}

// NewClient spawns the coordinator into the actor system and returns its
// facade. Sequential processing keeps resolutions ordered.
func NewClient(ctx context.Context, system *actor.System, workflow *Workflow) (*Client, error) {
	ref, err := system.Spawn(ctx, "approval-coordinator", NewCoordinator("approval-coordinator", workflow), 16,
		actor.WithSequentialProcessing())
	if err != nil {
		return nil, err
	}
	return &Client{ref: ref}, nil
}

// Resolve applies a decision to a pending request.
func (c *Client) Resolve(requestID string, decision Decision) error {
	msg := &resolveMessage{requestID: requestID, decision: decision, reply: make(chan error, 1)}
	if err := c.ref.Send(msg); err != nil {
		return err
	}
	return <-msg.reply
}

// Pending returns the requests still awaiting a decision.
func (c *Client) Pending() ([]Request, error) {
	msg := &listPendingMessage{reply: make(chan []Request, 1)}
	if err := c.ref.Send(msg); err != nil {
		return nil, err
	}
	return <-msg.reply, nil
}
