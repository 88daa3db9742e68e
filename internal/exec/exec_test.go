package exec

import (
	"context"
	"errors"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/approval"
	"github.com/codefionn/execgate/internal/config"
	"github.com/codefionn/execgate/internal/events"
	"github.com/codefionn/execgate/internal/history"
	"github.com/codefionn/execgate/internal/node"
	"github.com/codefionn/execgate/internal/policy"
	"github.com/codefionn/execgate/internal/registry"
)

// fakeInvoker is a scripted stand-in for the node RPC channel.
type fakeInvoker struct {
	mu         sync.Mutex
	entries    []allowlist.Entry
	fetchErr   error
	result     *node.RunResult
	runErr     error
	lastParams node.RunParams
	fetched    bool
}

func (f *fakeInvoker) RunCommand(ctx context.Context, n node.Node, params node.RunParams) (*node.RunResult, error) {
	f.mu.Lock()
	f.lastParams = params
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.result, nil
}

func (f *fakeInvoker) FetchAllowlist(ctx context.Context, n node.Node, agentID string) ([]allowlist.Entry, error) {
	f.mu.Lock()
	f.fetched = true
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.entries, nil
}

func (f *fakeInvoker) params() node.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastParams
}

type testEnv struct {
	dispatcher *Dispatcher
	cfg        *config.Config
	store      *allowlist.Store
	workflow   *approval.Workflow
	sink       *events.MemorySink
	invoker    *fakeInvoker
	nodes      *node.Registry
	trail      *history.Store
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Defaults = policy.Defaults{
		Security:    policy.SecurityFull,
		Ask:         policy.AskOff,
		AskFallback: policy.SecurityDeny,
	}
	cfg.Approval.RunningNotifySeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	sink := &events.MemorySink{}
	store := allowlist.NewStore(filepath.Join(dir, "exec-approvals.json"))
	reg := registry.New(cfg.Output.MaxChars, cfg.Output.PendingMaxChars, sink)
	workflow := approval.New(approval.ChannelFunc(func(approval.Request) {}), store, sink,
		time.Duration(cfg.Approval.TimeoutSeconds)*time.Second)
	invoker := &fakeInvoker{}
	nodes := node.NewRegistry(cfg.Node.Pinned)
	trail, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	return &testEnv{
		dispatcher: New(cfg, store, reg, workflow, nodes, invoker, trail, sink),
		cfg:        cfg,
		store:      store,
		workflow:   workflow,
		sink:       sink,
		invoker:    invoker,
		nodes:      nodes,
		trail:      trail,
	}
}

func (e *testEnv) hasEvent(substr string) bool {
	for _, ev := range e.sink.Events() {
		if strings.Contains(ev.Text, substr) {
			return true
		}
	}
	return false
}

// hasOutcome reports whether a terminal-result event matched; detached
// callers key off the kind, not the wording.
func (e *testEnv) hasOutcome(substr string) bool {
	for _, ev := range e.sink.Events() {
		if ev.Kind == events.KindOutcome && strings.Contains(ev.Text, substr) {
			return true
		}
	}
	return false
}

func TestEchoCompletes(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Contains(t, resp.Output, "hello")
	assert.Greater(t, resp.Pid, 0)
}

func TestSecurityDenyNeverExecutes(t *testing.T) {
	for _, host := range []policy.Host{policy.HostSandbox, policy.HostGateway, policy.HostNode} {
		t.Run(string(host), func(t *testing.T) {
			env := newTestEnv(t, func(cfg *config.Config) {
				cfg.Defaults.Security = policy.SecurityDeny
			})
			env.nodes.Add(node.Node{ID: "node-1"})

			_, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello", Host: host})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "security=deny")
		})
	}
}

func TestRequestCanOnlyTighten(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityDeny
	})

	// Asking for full cannot loosen the configured deny.
	_, err := env.dispatcher.Execute(context.Background(), Request{
		Command:  "echo hello",
		Security: policy.SecurityFull,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security=deny")
}

func TestAllowlistMissDeniedWithoutSpawn(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
		cfg.Defaults.Ask = policy.AskOff
	})

	_, err := env.dispatcher.Execute(context.Background(), Request{Command: "rm -rf /"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist miss")
}

func TestAllowlistHitRunsAndRecordsUsage(t *testing.T) {
	echoPath, err := osexec.LookPath("echo")
	require.NoError(t, err)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
	})
	require.NoError(t, env.store.AddEntry("default", echoPath))

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)

	_, entries, err := env.store.Agent("default")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UseCount)
	assert.Equal(t, "echo hello", entries[0].LastCommand)
}

func TestOpaqueCommandFailsClosed(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
	})

	_, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo $(whoami)"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist miss")
}

func TestSandboxWithoutRuntimeNeverRunsLocally(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
		cfg.Defaults.Ask = policy.AskAlways
		cfg.Sandbox.Runtime = "definitely-not-a-runtime"
		cfg.Sandbox.Container = "builds"
	})

	// The sandbox host skips the allowlist and approval gates because the
	// container provides the isolation. If the runtime is gone, the command
	// must not run on the gateway instead.
	marker := filepath.Join(t.TempDir(), "escaped")
	_, err := env.dispatcher.Execute(context.Background(), Request{
		Command: "touch " + marker,
		Host:    policy.HostSandbox,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found on PATH")
	assert.NoFileExists(t, marker)
}

func TestTimeoutScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.dispatcher.Execute(context.Background(), Request{
		Command: "sleep 10",
		Timeout: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.True(t, resp.TimedOut)
	assert.Contains(t, resp.Reason, "timed out after 1 seconds")
}

func TestYieldWindowDetaches(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.dispatcher.Execute(context.Background(), Request{
		Command: "sleep 2",
		YieldMs: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resp.Status)
	assert.NotEmpty(t, resp.SessionID)
	assert.Greater(t, resp.Pid, 0)
}

func TestImmediateBackground(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.dispatcher.Execute(context.Background(), Request{
		Command:    "sleep 2",
		Background: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resp.Status)
	assert.NotEmpty(t, resp.SessionID)
}

func TestAskAlwaysAllowOnce(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Ask = policy.AskAlways
	})

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo approved"})
	require.NoError(t, err)
	require.Equal(t, StatusApprovalPending, resp.Status)
	require.NotEmpty(t, resp.ApprovalID)
	assert.Equal(t, "echo approved", resp.ApprovalSlug)
	assert.False(t, resp.ApprovalExpiresAt.IsZero())

	require.NoError(t, env.workflow.Resolve(resp.ApprovalID, approval.DecisionAllowOnce))

	// Execution happens detached; the audit trail shows the completion.
	assert.Eventually(t, func() bool {
		records, err := env.trail.Recent(10)
		return err == nil && len(records) == 1 && records[0].Status == "completed"
	}, 10*time.Second, 50*time.Millisecond)

	// allow-once never creates allowlist entries.
	_, entries, err := env.store.Agent("default")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllowAlwaysSkipsNextApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
		cfg.Defaults.Ask = policy.AskOnMiss
	})

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	require.Equal(t, StatusApprovalPending, resp.Status)

	require.NoError(t, env.workflow.Resolve(resp.ApprovalID, approval.DecisionAllowAlways))

	assert.Eventually(t, func() bool {
		_, entries, err := env.store.Agent("default")
		return err == nil && len(entries) == 1
	}, 10*time.Second, 50*time.Millisecond)

	// The identical request no longer needs approval.
	resp, err = env.dispatcher.Execute(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
}

func TestApprovalDenyEmitsEvent(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Ask = policy.AskAlways
	})

	resp, err := env.dispatcher.Execute(context.Background(), Request{
		Command:    "echo nope",
		SessionKey: "chat-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusApprovalPending, resp.Status)

	require.NoError(t, env.workflow.Resolve(resp.ApprovalID, approval.DecisionDeny))

	assert.Eventually(t, func() bool {
		return env.hasOutcome("user-denied")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApprovalTimeoutFallbackDeny(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Ask = policy.AskAlways
		cfg.Defaults.AskFallback = policy.SecurityDeny
	})
	// Replace the workflow with a short decision window.
	env.workflow = approval.New(approval.ChannelFunc(func(approval.Request) {}), env.store, env.sink, 100*time.Millisecond)
	env.dispatcher.workflow = env.workflow

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo slow"})
	require.NoError(t, err)
	require.Equal(t, StatusApprovalPending, resp.Status)

	assert.Eventually(t, func() bool {
		return env.hasEvent("approval-timeout")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	env.nodes.Add(node.Node{ID: "node-1", URL: "ws://example/rpc"})
	env.invoker.result = &node.RunResult{ExitCode: 0, Stdout: "remote ok\n", Success: true}

	resp, err := env.dispatcher.Execute(context.Background(), Request{
		Command: "uptime",
		Host:    policy.HostNode,
		Timeout: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Contains(t, resp.Output, "remote ok")

	params := env.invoker.params()
	assert.True(t, params.Approved)
	assert.Equal(t, 5000, params.TimeoutMs)
}

func TestNodeInvokeFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.nodes.Add(node.Node{ID: "node-1"})
	env.invoker.runErr = errors.New("connection reset")

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "uptime", Host: policy.HostNode})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Reason, "invoke-failed")
}

func TestNodeAmbiguousTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.nodes.Add(node.Node{ID: "node-1"})
	env.nodes.Add(node.Node{ID: "node-2"})

	_, err := env.dispatcher.Execute(context.Background(), Request{Command: "uptime", Host: policy.HostNode})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple remote nodes")
}

func TestNodeAllowlistSnapshot(t *testing.T) {
	echoPath, err := osexec.LookPath("echo")
	require.NoError(t, err)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
	})
	env.nodes.Add(node.Node{ID: "node-1"})
	env.invoker.entries = []allowlist.Entry{{Pattern: echoPath}}
	env.invoker.result = &node.RunResult{ExitCode: 0, Success: true}

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello", Host: policy.HostNode})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.True(t, env.invoker.fetched)
}

func TestNodeAllowlistFetchFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Defaults.Security = policy.SecurityAllowlist
	})
	env.nodes.Add(node.Node{ID: "node-1"})
	env.invoker.fetchErr = errors.New("node offline")

	resp, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hello", Host: policy.HostNode})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Reason, "invoke-failed")
}

func TestElevatedGates(t *testing.T) {
	t.Run("disabled globally", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.dispatcher.Execute(context.Background(), Request{Command: "echo hi", Elevated: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "elevated.enabled")
	})

	t.Run("session not allowed", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Elevated = policy.ElevatedGate{Enabled: true, Allow: []string{"chat-ops"}}
		})
		_, err := env.dispatcher.Execute(context.Background(), Request{
			Command: "echo hi", Elevated: true, SessionKey: "chat-dev",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "elevated.allow")
	})

	t.Run("granted overrides deny and skips approval", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Defaults.Security = policy.SecurityDeny
			cfg.Defaults.Ask = policy.AskAlways
			cfg.Elevated = policy.ElevatedGate{Enabled: true, Allow: []string{"*"}}
		})
		resp, err := env.dispatcher.Execute(context.Background(), Request{
			Command: "echo elevated", Elevated: true, SessionKey: "chat-ops",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, resp.Status)
		assert.Contains(t, resp.Output, "elevated")
	})
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.dispatcher.Execute(ctx, Request{})
	assert.Error(t, err)

	_, err = env.dispatcher.Execute(ctx, Request{Command: "ls", Host: "mainframe"})
	assert.Error(t, err)

	_, err = env.dispatcher.Execute(ctx, Request{Command: "ls", Security: "paranoid"})
	assert.Error(t, err)

	_, err = env.dispatcher.Execute(ctx, Request{Command: "ls", Ask: "sometimes"})
	assert.Error(t, err)
}

func TestHistoryRecordsOutcome(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.dispatcher.Execute(context.Background(), Request{
		Command:    "echo hello",
		SessionKey: "chat-1",
	})
	require.NoError(t, err)

	records, err := env.trail.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "completed", records[0].Status)
	assert.Equal(t, "gateway", records[0].Host)
	assert.Equal(t, "chat-1", records[0].SessionKey)
}

func TestCancellationKillsForeground(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	resp, err := env.dispatcher.Execute(ctx, Request{Command: "sleep 30", YieldMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.NotEmpty(t, resp.Reason)
}
