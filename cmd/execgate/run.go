package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/execgate/internal/actor"
	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/approval"
	"github.com/codefionn/execgate/internal/config"
	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/exec"
	"github.com/codefionn/execgate/internal/history"
	"github.com/codefionn/execgate/internal/logger"
	"github.com/codefionn/execgate/internal/node"
	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
)

func newRunCmd() *cobra.Command {
	var req exec.Request
	var envKV []string
	var hostName, securityName, askName string

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command...>",
		Short: "Run a command through the execution gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Command = strings.Join(args, " ")
			req.Host = policy.Host(hostName)
			req.Security = policy.Security(securityName)
			req.Ask = policy.Ask(askName)
			if len(envKV) > 0 {
				req.Env = make(map[string]string, len(envKV))
				for _, kv := range envKV {
					key, value, found := strings.Cut(kv, "=")
					if !found {
						return fmt.Errorf("invalid --env value %q (expected KEY=VALUE)", kv)
					}
					req.Env[key] = value
				}
			}
			return runThroughGate(cmd.Context(), req)
		},
	}

	cmd.Flags().StringVarP(&req.Workdir, "workdir", "w", "", "working directory for the command")
	cmd.Flags().StringArrayVarP(&envKV, "env", "e", nil, "environment override (KEY=VALUE, repeatable)")
	cmd.Flags().IntVarP(&req.Timeout, "timeout", "t", 0, "kill the command after this many seconds")
	cmd.Flags().BoolVarP(&req.Background, "background", "b", false, "detach immediately and return the session id")
	cmd.Flags().IntVar(&req.YieldMs, "yield-ms", 0, "wait this long before detaching (default from config)")
	cmd.Flags().BoolVar(&req.PTY, "pty", false, "run the command attached to a pseudo-terminal")
	cmd.Flags().BoolVar(&req.Elevated, "elevated", false, "request elevated (approval-free) execution")
	cmd.Flags().StringVar(&hostName, "host", "", "execution host: sandbox, gateway, or node")
	cmd.Flags().StringVar(&securityName, "security", "", "security mode for this invocation: deny, allowlist, or full")
	cmd.Flags().StringVar(&askName, "ask", "", "ask mode for this invocation: off, on-miss, or always")
	cmd.Flags().StringVar(&req.Node, "node", "", "target node id for host=node")
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "agent id owning the allowlist (default \"default\")")
	cmd.Flags().StringVar(&req.SessionKey, "session", "", "session key for notifications and the elevated gate")
	return cmd
}

// promptChannel asks the local terminal for approval decisions. Without a
// terminal it leaves the request to the timeout fallback.
type promptChannel struct {
	resolve func(id string, decision approval.Decision) error
}

// Deliver implements approval.Channel.
func (p *promptChannel) Deliver(req approval.Request) {
	fmt.Fprintf(os.Stderr, "\nApproval required: %s\n  cwd: %s\n  host=%s security=%s ask=%s (expires %s)\n",
		req.Command, req.Cwd, req.Host, req.Security, req.Ask, req.ExpiresAt.Format(time.Kitchen))

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; the ask fallback applies at expiry")
		return
	}

	fmt.Fprint(os.Stderr, "Allow? [y]es once / [a]lways / [N]o: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return
	}
	decision := approval.DecisionDeny
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		decision = approval.DecisionAllowOnce
	case "a", "always":
		decision = approval.DecisionAllowAlways
	}
	if err := p.resolve(req.ID, decision); err != nil {
		logger.Warn("run: failed to resolve approval: %v", err)
	}
}

// cliSink prints events to stderr and signals once the detached execution
// path has reported a terminal outcome.
type cliSink struct {
	once sync.Once
	done chan struct{}
}

func newCLISink() *cliSink {
	return &cliSink{done: make(chan struct{})}
}

// Emit implements events.Sink.
func (s *cliSink) Emit(e events.Event) {
	fmt.Fprintln(os.Stderr, e.Text)
	if e.Kind == events.KindOutcome {
		s.once.Do(func() { close(s.done) })
	}
}

func runThroughGate(ctx context.Context, req exec.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sink := newCLISink()
	store := allowlist.NewStore(cfg.ApprovalsPath)
	// The process lives through the approval-pending wait; pick up edits
	// made meanwhile by `execgate approvals` or another gate.
	if err := store.Watch(ctx); err != nil {
		logger.Warn("run: approvals file watch unavailable: %v", err)
	}
	sessions := registry.New(cfg.Output.MaxChars, cfg.Output.PendingMaxChars, sink)

	channel := &promptChannel{}
	workflow := approval.New(channel, store, sink, time.Duration(cfg.Approval.TimeoutSeconds)*time.Second)

	system := actor.NewSystem()
	defer func() { _ = system.StopAll(context.Background()) }()
	client, err := approval.NewClient(ctx, system, workflow)
	if err != nil {
		return err
	}
	channel.resolve = client.Resolve

	nodes := node.NewRegistry(cfg.Node.Pinned)
	for _, paired := range cfg.Node.Paired {
		nodes.Add(node.Node{ID: paired.ID, Name: paired.Name, URL: paired.URL})
	}
	invoker := node.NewClient(time.Duration(cfg.Node.DialTimeoutSeconds) * time.Second)

	trail, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer trail.Close()

	dispatcher := exec.New(cfg, store, sessions, workflow, nodes, invoker, trail, sink)

	resp, err := dispatcher.Execute(ctx, req)
	if err != nil {
		return err
	}
	return reportResponse(cfg, resp, sink)
}

func reportResponse(cfg *config.Config, resp *exec.Response, sink *cliSink) error {
	for _, warning := range resp.Warnings {
		fmt.Fprintln(os.Stderr, "Warning:", warning)
	}

	switch resp.Status {
	case exec.StatusCompleted:
		fmt.Print(resp.Output)
		return nil

	case exec.StatusFailed:
		fmt.Print(resp.Output)
		if resp.Reason != "" {
			return fmt.Errorf("command failed: %s", resp.Reason)
		}
		return fmt.Errorf("command failed with exit code %d", resp.ExitCode)

	case exec.StatusRunning:
		fmt.Fprintf(os.Stderr, "Running in background: session=%s pid=%d\n", resp.SessionID, resp.Pid)
		if resp.Tail != "" {
			fmt.Print(resp.Tail)
		}
		return nil

	case exec.StatusApprovalPending:
		// The prompt runs on the approval channel; wait for the detached
		// execution to settle (or for the fallback to kick in).
		wait := time.Duration(cfg.Approval.TimeoutSeconds)*time.Second + 30*time.Second
		select {
		case <-sink.done:
			return nil
		case <-time.After(wait):
			fmt.Fprintf(os.Stderr, "Approval %s is still pending; check the event log\n", resp.ApprovalID)
			return nil
		}

	default:
		return fmt.Errorf("unexpected response status %q", resp.Status)
	}
}
