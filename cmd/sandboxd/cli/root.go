// Package cli implements the sandboxd command-line interface using Cobra.
// It provides commands for starting, inspecting, and reclaiming sandbox
// instances, plus the long-running reconciliation daemon.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devgrid/sandboxd/internal/config"
	"github.com/devgrid/sandboxd/internal/log"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxd - lifecycle manager for ephemeral dev sandboxes",
	Long: `Sandboxd provisions, monitors, and reclaims container-backed development
sandboxes for task runs. Each sandbox runs an editor service, a worker RPC
service, and auxiliary proxy/VNC services behind dynamically assigned host
ports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			cmd.PrintErrf("Warning: loading config: %v\n", err)
			cfg = config.Default()
		}

		// Structured JSON when output is piped (supervisors, log shippers).
		jsonLogs := jsonOut || !term.IsTerminal(int(os.Stderr.Fd()))

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonLogs,
			DebugDir:      filepath.Join(config.Dir(), "debug"),
			RetentionDays: cfg.Debug.RetentionDays,
		}); err != nil {
			// Log init failure is non-fatal, fall back to the default logger
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}

		loadedConfig = cfg
		return nil
	},
}

// loadedConfig is populated by the root PersistentPreRunE before any
// subcommand runs.
var loadedConfig *config.Config

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
