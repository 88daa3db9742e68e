package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefionn/execgate/internal/allowlist"
	"github.com/codefionn/execgate/internal/policy"
)

func newResolveCmd() *cobra.Command {
	var agentID, hostName, securityName, askName string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the effective policy for an agent and host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			host := policy.Host(hostName)
			if !policy.ValidHost(host) {
				return fmt.Errorf("unknown host %q (expected sandbox, gateway, or node)", hostName)
			}
			req := &policy.Request{
				Security: policy.Security(securityName),
				Ask:      policy.Ask(askName),
			}
			if req.Security != "" && !policy.ValidSecurity(req.Security) {
				return fmt.Errorf("unknown security mode %q", securityName)
			}
			if req.Ask != "" && !policy.ValidAsk(req.Ask) {
				return fmt.Errorf("unknown ask mode %q", askName)
			}

			store := allowlist.NewStore(cfg.ApprovalsPath)
			agentDefaults, entries, err := store.Agent(agentID)
			if err != nil {
				return err
			}

			eff := policy.Resolve(host, cfg.Defaults, agentDefaults, req)
			fmt.Printf("host:         %s\n", eff.Host)
			fmt.Printf("security:     %s\n", eff.Security)
			fmt.Printf("ask:          %s\n", eff.AskMode)
			fmt.Printf("ask fallback: %s\n", eff.AskFallback)
			fmt.Printf("allowlist:    %d entries\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "default", "agent id")
	cmd.Flags().StringVar(&hostName, "host", "gateway", "execution host")
	cmd.Flags().StringVar(&securityName, "security", "", "per-invocation security mode")
	cmd.Flags().StringVar(&askName, "ask", "", "per-invocation ask mode")
	return cmd
}
