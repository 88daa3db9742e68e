package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/execgate/internal/allowlist"
)

func newApprovalsCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and edit the stored command allowlist",
	}
	cmd.PersistentFlags().StringVar(&agentID, "agent", "*", "agent id (\"*\" is the shared allowlist)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List allowlist entries for the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			_, entries, err := store.Agent(agentID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No allowlist entries.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATTERN\tUSES\tLAST USED\tLAST COMMAND")
			for _, entry := range entries {
				lastUsed := "never"
				if entry.LastUsedAtMs > 0 {
					lastUsed = time.UnixMilli(entry.LastUsedAtMs).Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", entry.Pattern, entry.UseCount, lastUsed, entry.LastCommand)
			}
			return w.Flush()
		},
	}

	add := &cobra.Command{
		Use:   "add <pattern>",
		Short: "Add an allowlist pattern (a resolved executable path or glob)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.AddEntry(agentID, args[0]); err != nil {
				return err
			}
			fmt.Printf("Added %q for agent %q\n", args[0], agentID)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <pattern>",
		Short: "Remove an allowlist pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.RemoveEntry(agentID, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %q for agent %q\n", args[0], agentID)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func openStore() (*allowlist.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return allowlist.NewStore(cfg.ApprovalsPath), nil
}
