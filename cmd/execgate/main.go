// Command execgate runs shell commands through the execution gate: policy
// resolution, allowlist matching, and interactive approval.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/execgate/internal/config"
	"github.com/codefionn/execgate/internal/logger"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "execgate",
		Short:         "Command execution and approval gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newRunCmd())
	root.AddCommand(newApprovalsCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newHistoryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and initializes logging for the process.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagVerbose {
		logger.InitWith(logger.NewWithWriter(logger.LevelDebug, os.Stderr, ""))
	} else if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: logging disabled:", err)
	}
	return cfg, nil
}
