// Package spawn launches OS processes for the execution subsystem. It
// supports three strategies: a plain shell child, a pseudo-terminal child,
// and an exec into a running container. A pty that cannot be allocated
// falls back to the plain strategy with a warning; container failures are
// fatal, because the caller relies on the container for isolation and a
// plain child would run outside it.
package spawn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/codefionn/execgate/internal/logger"
)

// Mode selects the spawn strategy.
type Mode string

const (
	// ModePlain runs the command under `sh -c` in its own process group.
	ModePlain Mode = "plain"
	// ModePTY runs the command attached to a pseudo-terminal.
	ModePTY Mode = "pty"
	// ModeContainer execs the command inside a running container.
	ModeContainer Mode = "containerized"
)

// Options configure one spawn attempt.
type Options struct {
	Command string
	Dir     string
	// Env entries override the inherited process environment.
	Env map[string]string
	Mode Mode
	// ContainerRuntime is "docker" or "podman"; auto-detected when empty.
	ContainerRuntime string
	// Container names the target container for ModeContainer.
	Container string
}

// ExitState carries how a process ended.
type ExitState struct {
	Code   int
	Signal string
}

// Process is a live spawned process. The output channel delivers combined
// stdout/stderr chunks in arrival order and is closed before the exit event
// fires, so a consumer that drains output and then waits on Exited observes
// all output before the exit state.
type Process struct {
	cmd      *exec.Cmd
	mode     Mode
	pid      int
	pgid     int
	warnings []string

	stdin  io.WriteCloser
	output chan []byte
	exited chan struct{}

	mu   sync.Mutex
	exit ExitState
}

const outputChunkSize = 4096

// Start launches a process. A pty that cannot be allocated retries once
// with the plain strategy; the warning is available via Warnings. Container
// failures never fall back: the command must not run outside the container.
func Start(opts Options) (*Process, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModePlain
	}

	var warnings []string

	switch mode {
	case ModePTY:
		if !ptySupported() {
			warnings = append(warnings, "pty mode is not supported on this platform; falling back to plain spawn")
			mode = ModePlain
		}
	case ModeContainer:
		if _, err := containerRuntime(opts.ContainerRuntime); err != nil {
			return nil, err
		}
		if opts.Container == "" {
			return nil, errors.New("containerized spawn requires a container name")
		}
	case ModePlain:
	default:
		return nil, fmt.Errorf("unknown spawn mode: %s", mode)
	}

	proc, err := start(opts, mode)
	if err != nil && mode == ModePTY {
		// One documented retry with the fallback configuration.
		warnings = append(warnings, fmt.Sprintf("pty spawn failed (%v); retrying with plain spawn", err))
		logger.Warn("spawn: pty mode failed, retrying plain: %v", err)
		proc, err = start(opts, ModePlain)
	}
	if err != nil {
		return nil, err
	}

	proc.warnings = append(warnings, proc.warnings...)
	logger.Debug("spawn: started pid=%d mode=%s dir=%s", proc.pid, proc.mode, opts.Dir)
	return proc, nil
}

func start(opts Options, mode Mode) (*Process, error) {
	switch mode {
	case ModePTY:
		return startPTY(opts)
	case ModeContainer:
		return startContainer(opts)
	default:
		return startPlain(opts)
	}
}

func buildEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func startPlain(opts Options) (*Process, error) {
	cmd := exec.Command("sh", "-c", opts.Command)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	proc := newProcess(cmd, ModePlain, stdin)
	proc.pump(stdout, stderr)
	return proc, nil
}

// containerRuntime picks the container runtime binary. Explicit names are
// trusted; otherwise docker then podman are probed on PATH.
func containerRuntime(explicit string) (string, error) {
	if explicit != "" {
		if _, err := exec.LookPath(explicit); err != nil {
			return "", fmt.Errorf("container runtime %q not found on PATH", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.New("no container runtime (docker or podman) found on PATH")
}

func startContainer(opts Options) (*Process, error) {
	runtime, err := containerRuntime(opts.ContainerRuntime)
	if err != nil {
		return nil, err
	}

	args := []string{"exec", "-i"}
	if opts.Dir != "" {
		args = append(args, "-w", opts.Dir)
	}
	envKeys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, opts.Container, "sh", "-c", opts.Command)

	cmd := exec.Command(runtime, args...)
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start container exec: %w", err)
	}

	proc := newProcess(cmd, ModeContainer, stdin)
	proc.pump(stdout, stderr)
	return proc, nil
}

func newProcess(cmd *exec.Cmd, mode Mode, stdin io.WriteCloser) *Process {
	proc := &Process{
		cmd:    cmd,
		mode:   mode,
		stdin:  stdin,
		output: make(chan []byte, 64),
		exited: make(chan struct{}),
	}
	if cmd.Process != nil {
		proc.pid = cmd.Process.Pid
		proc.pgid = getProcessGroupID(cmd)
	}
	return proc
}

// pump starts reader goroutines for the given streams and the exit waiter.
func (p *Process) pump(streams ...io.Reader) {
	var wg sync.WaitGroup
	for _, stream := range streams {
		if stream == nil {
			continue
		}
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			buf := make([]byte, outputChunkSize)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					p.output <- chunk
				}
				if err != nil {
					if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) && !isPTYClosed(err) {
						logger.Debug("spawn: stream read error: %v", err)
					}
					return
				}
			}
		}(stream)
	}

	go func() {
		wg.Wait()
		err := p.cmd.Wait()
		close(p.output)

		p.mu.Lock()
		p.exit = exitStateFromError(p.cmd, err)
		p.mu.Unlock()
		close(p.exited)
	}()
}

func exitStateFromError(cmd *exec.Cmd, err error) ExitState {
	if err == nil {
		return ExitState{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		state := ExitState{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			state.Signal = ws.Signal().String()
		}
		return state
	}
	// Wait failed for a non-exit reason (rare); report as generic failure.
	return ExitState{Code: -1}
}

// Pid returns the child process id.
func (p *Process) Pid() int { return p.pid }

// Mode returns the strategy the process actually started with.
func (p *Process) Mode() Mode { return p.mode }

// Warnings returns non-fatal messages accumulated while spawning.
func (p *Process) Warnings() []string { return p.warnings }

// Output returns the combined output channel. It is closed when both
// streams reach EOF, always before Exited fires.
func (p *Process) Output() <-chan []byte { return p.output }

// Exited is closed once the process has been reaped and ExitState is valid.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitState returns how the process ended. Only valid after Exited.
func (p *Process) ExitState() ExitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Write sends input to the process's stdin.
func (p *Process) Write(data []byte) error {
	if p.stdin == nil {
		return errors.New("process has no input channel")
	}
	_, err := p.stdin.Write(data)
	return err
}

// CloseInput closes the process's stdin.
func (p *Process) CloseInput() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

// Signal delivers sig to the whole process group, falling back to the
// process itself. Signalling an already-gone process is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.pgid > 0 {
		err := signalProcessGroup(p.pgid, sig)
		if err == nil || isIgnorableSignalError(err) {
			return nil
		}
	}
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if err == nil || isIgnorableSignalError(err) {
		return nil
	}
	return fmt.Errorf("failed to signal process %d: %w", p.pid, err)
}

// Kill force-terminates the process group.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func isIgnorableSignalError(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
