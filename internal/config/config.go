// Package config loads the execgate runtime configuration. The approvals
// allowlist lives in its own file (see internal/allowlist); this file holds
// everything else: policy defaults, the elevated gates, output caps, and the
// paths to the other stores.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/codefionn/execgate/internal/policy"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = 1

// SandboxConfig selects the container runtime used by the sandbox host.
type SandboxConfig struct {
	Runtime   string `json:"runtime,omitempty"`   // "docker" or "podman"; auto-detected when empty
	Container string `json:"container,omitempty"` // target container name
}

// OutputLimits caps the in-memory output buffers of a session.
type OutputLimits struct {
	MaxChars        int `json:"max_chars,omitempty"`
	PendingMaxChars int `json:"pending_max_chars,omitempty"`
}

// ApprovalConfig tunes the human-in-the-loop approval workflow.
type ApprovalConfig struct {
	TimeoutSeconds       int `json:"timeout_seconds,omitempty"`
	RunningNotifySeconds int `json:"running_notify_seconds,omitempty"`
	NotifyTailChars      int `json:"notify_tail_chars,omitempty"`
}

// PairedNode is one remote executor recorded at pairing time.
type PairedNode struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// NodeConfig configures the remote executor channel.
type NodeConfig struct {
	Pinned             string       `json:"pinned,omitempty"` // preferred node id when several are paired
	DialTimeoutSeconds int          `json:"dial_timeout_seconds,omitempty"`
	Paired             []PairedNode `json:"paired,omitempty"`
}

// Config represents the execgate runtime configuration
type Config struct {
	Version       int                 `json:"version"`
	LogLevel      string              `json:"log_level,omitempty"` // debug, info, warn, error, none
	LogPath       string              `json:"-"`
	ApprovalsPath string              `json:"approvals_path,omitempty"`
	HistoryPath   string              `json:"history_path,omitempty"`
	Defaults      policy.Defaults     `json:"defaults,omitempty"`
	Elevated      policy.ElevatedGate `json:"elevated,omitempty"`
	Sandbox       SandboxConfig       `json:"sandbox,omitempty"`
	Output        OutputLimits        `json:"output,omitempty"`
	Approval      ApprovalConfig      `json:"approval,omitempty"`
	Node          NodeConfig          `json:"node,omitempty"`
	YieldMs       int                 `json:"yield_ms,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "execgate")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "execgate")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "execgate")
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Default returns a Config populated with conservative defaults: deny
// security, ask on miss, deny on approval timeout.
func Default() *Config {
	dir := defaultConfigDir()
	return &Config{
		Version:       CurrentVersion,
		LogLevel:      "info",
		LogPath:       filepath.Join(dir, "execgate.log"),
		ApprovalsPath: filepath.Join(dir, "exec-approvals.json"),
		HistoryPath:   filepath.Join(dir, "history.db"),
		Defaults: policy.Defaults{
			Security:    policy.SecurityDeny,
			Ask:         policy.AskOnMiss,
			AskFallback: policy.SecurityDeny,
		},
		Output: OutputLimits{
			MaxChars:        200_000,
			PendingMaxChars: 16_000,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds:       120,
			RunningNotifySeconds: 10,
			NotifyTailChars:      400,
		},
		Node: NodeConfig{
			DialTimeoutSeconds: 10,
		},
		YieldMs: 10_000,
	}
}

// Load reads the config file at path, filling unset fields from Default().
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if loaded.Version > CurrentVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d", loaded.Version, CurrentVersion)
	}

	merge(cfg, &loaded)
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func merge(dst, src *Config) {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.ApprovalsPath != "" {
		dst.ApprovalsPath = src.ApprovalsPath
	}
	if src.HistoryPath != "" {
		dst.HistoryPath = src.HistoryPath
	}
	if src.Defaults.Security != "" {
		dst.Defaults.Security = src.Defaults.Security
	}
	if src.Defaults.Ask != "" {
		dst.Defaults.Ask = src.Defaults.Ask
	}
	if src.Defaults.AskFallback != "" {
		dst.Defaults.AskFallback = src.Defaults.AskFallback
	}
	dst.Elevated = src.Elevated
	if src.Sandbox.Runtime != "" {
		dst.Sandbox.Runtime = src.Sandbox.Runtime
	}
	if src.Sandbox.Container != "" {
		dst.Sandbox.Container = src.Sandbox.Container
	}
	if src.Output.MaxChars > 0 {
		dst.Output.MaxChars = src.Output.MaxChars
	}
	if src.Output.PendingMaxChars > 0 {
		dst.Output.PendingMaxChars = src.Output.PendingMaxChars
	}
	if src.Approval.TimeoutSeconds > 0 {
		dst.Approval.TimeoutSeconds = src.Approval.TimeoutSeconds
	}
	if src.Approval.RunningNotifySeconds > 0 {
		dst.Approval.RunningNotifySeconds = src.Approval.RunningNotifySeconds
	}
	if src.Approval.NotifyTailChars > 0 {
		dst.Approval.NotifyTailChars = src.Approval.NotifyTailChars
	}
	if src.Node.Pinned != "" {
		dst.Node.Pinned = src.Node.Pinned
	}
	if src.Node.DialTimeoutSeconds > 0 {
		dst.Node.DialTimeoutSeconds = src.Node.DialTimeoutSeconds
	}
	if len(src.Node.Paired) > 0 {
		dst.Node.Paired = src.Node.Paired
	}
	if src.YieldMs > 0 {
		dst.YieldMs = src.YieldMs
	}
}
