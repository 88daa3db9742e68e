// Package policy resolves the effective execution policy for a command
// request by layering the configured defaults, per-agent overrides, and the
// per-invocation request. Combination is always conservative: a caller can
// tighten a configured restriction but never loosen it.
package policy

import "fmt"

// Host is the execution environment for a command.
type Host string

const (
	// HostSandbox runs the command inside the isolated container.
	HostSandbox Host = "sandbox"
	// HostGateway runs the command in the local gateway process.
	HostGateway Host = "gateway"
	// HostNode dispatches the command to a paired remote executor.
	HostNode Host = "node"
)

// Security defines the security mode for command execution.
type Security string

const (
	// SecurityDeny blocks all commands.
	SecurityDeny Security = "deny"
	// SecurityAllowlist allows only commands matching the allowlist.
	SecurityAllowlist Security = "allowlist"
	// SecurityFull allows all commands without restriction.
	SecurityFull Security = "full"
)

// Ask defines when to ask a human for approval.
type Ask string

const (
	// AskOff never prompts.
	AskOff Ask = "off"
	// AskOnMiss prompts only when the allowlist does not match.
	AskOnMiss Ask = "on-miss"
	// AskAlways always prompts.
	AskAlways Ask = "always"
)

var securityRank = map[Security]int{
	SecurityDeny:      0,
	SecurityAllowlist: 1,
	SecurityFull:      2,
}

var askRank = map[Ask]int{
	AskOff:    0,
	AskOnMiss: 1,
	AskAlways: 2,
}

// ValidHost reports whether h names a known execution host.
func ValidHost(h Host) bool {
	switch h {
	case HostSandbox, HostGateway, HostNode:
		return true
	}
	return false
}

// ValidSecurity reports whether s is a known security mode.
func ValidSecurity(s Security) bool {
	_, ok := securityRank[s]
	return ok
}

// ValidAsk reports whether a is a known ask mode.
func ValidAsk(a Ask) bool {
	_, ok := askRank[a]
	return ok
}

// MinSecurity returns the more restrictive of two security modes.
func MinSecurity(a, b Security) Security {
	if securityRank[a] <= securityRank[b] {
		return a
	}
	return b
}

// MaxAsk returns the more restrictive of two ask modes.
func MaxAsk(a, b Ask) Ask {
	if askRank[a] >= askRank[b] {
		return a
	}
	return b
}

// Defaults is one configuration layer. Empty fields mean "inherit".
type Defaults struct {
	Security    Security `json:"security,omitempty"`
	Ask         Ask      `json:"ask,omitempty"`
	AskFallback Security `json:"ask_fallback,omitempty"`
}

// Request carries the per-invocation policy fields of a tool call. Empty
// fields mean "no preference".
type Request struct {
	Security Security
	Ask      Ask
}

// Effective is the resolved policy for one execution request.
type Effective struct {
	Host        Host
	Security    Security
	AskMode     Ask
	AskFallback Security
}

// Resolve layers configured defaults, the per-agent override, and the
// per-invocation request, in that fixed order. Security combines with
// MinSecurity and ask with MaxAsk at every step, so each layer can only
// tighten the previous one. The ask fallback takes the most specific
// non-empty value.
func Resolve(host Host, def Defaults, agent *Defaults, req *Request) Effective {
	eff := Effective{
		Host:        host,
		Security:    SecurityDeny,
		AskMode:     AskOff,
		AskFallback: SecurityDeny,
	}

	if def.Security != "" {
		eff.Security = def.Security
	}
	if def.Ask != "" {
		eff.AskMode = def.Ask
	}
	if def.AskFallback != "" {
		eff.AskFallback = def.AskFallback
	}

	if agent != nil {
		if agent.Security != "" {
			eff.Security = MinSecurity(eff.Security, agent.Security)
		}
		if agent.Ask != "" {
			eff.AskMode = MaxAsk(eff.AskMode, agent.Ask)
		}
		if agent.AskFallback != "" {
			eff.AskFallback = agent.AskFallback
		}
	}

	if req != nil {
		if req.Security != "" {
			eff.Security = MinSecurity(eff.Security, req.Security)
		}
		if req.Ask != "" {
			eff.AskMode = MaxAsk(eff.AskMode, req.Ask)
		}
	}

	return eff
}

// RequiresApproval reports whether a human decision is needed before the
// command may run. analysisOK is false when the shell parse could not
// confidently determine every segment's executable; ambiguity fails closed.
func RequiresApproval(eff Effective, analysisOK, allowlistSatisfied bool) bool {
	if eff.AskMode == AskAlways {
		return true
	}
	if eff.AskMode == AskOnMiss && eff.Security == SecurityAllowlist {
		return !analysisOK || !allowlistSatisfied
	}
	return false
}

// ElevatedGate is the configuration controlling elevated execution.
type ElevatedGate struct {
	Enabled bool     `json:"enabled,omitempty"`
	Allow   []string `json:"allow,omitempty"`
}

// ElevatedAllowed checks both elevated gates: the global enable switch and
// the per-session allow-list. sessionKey identifies the requesting provider
// or chat session.
func ElevatedAllowed(gate ElevatedGate, sessionKey string) error {
	if !gate.Enabled {
		return fmt.Errorf("elevated execution is disabled (set elevated.enabled=true to allow it)")
	}
	for _, allowed := range gate.Allow {
		if allowed == "*" || allowed == sessionKey {
			return nil
		}
	}
	return fmt.Errorf("elevated execution is not permitted for %q (add it to elevated.allow)", sessionKey)
}
