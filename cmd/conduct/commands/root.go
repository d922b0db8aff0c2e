// Package commands implements the conduct CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduct",
		Short: "OpenConduct - intent-to-action orchestration engine",
		Long: `OpenConduct accepts stable intent envelopes, translates them into
backend-neutral execution plans, gates them through policy, and drives
them to completion through pluggable backend adapters.

Features:
  - Idempotent admission keyed by envelope fingerprint
  - DAG plan execution with per-task dependency tracking
  - Asynchronous convergence via polling and callbacks
  - OPA policy gating with warn and enforce modes
  - Durable SQLite or in-memory request stores`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
