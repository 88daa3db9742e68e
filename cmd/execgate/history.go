package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codefionn/execgate/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent execution sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			trail, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer trail.Close()

			records, err := trail.Recent(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No history yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tHOST\tSTATUS\tEXIT\tCOMMAND")
			for _, rec := range records {
				status := rec.Status
				if rec.TimedOut {
					status += " (timeout)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rec.FinishedAt.Format("2006-01-02 15:04:05"), rec.Host, status, rec.ExitCode, rec.Command)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}
