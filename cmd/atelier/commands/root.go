// Package commands implements the atelier CLI.
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
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atelier",
		Short: "Atelier - workspace orchestration control plane",
		Long: `Atelier is the control plane for per-session development workspaces:
it places, starts, tracks, and tears down workspace containers across a
fleet of remote hosts with differing architecture, region, and GPU
capability.

Features:
  - Hardware-tier catalog with cached resolution and offline fallback
  - Fleet registry with independent per-host health probing
  - Capability-matching placement with typed failure reasons
  - Durable, idempotent workspace lifecycle
  - Terminal and HTTP proxy access into running workspaces`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "atelier.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newWorkspaceCommand(version))
	rootCmd.AddCommand(newFleetCommand(version))
	rootCmd.AddCommand(newSpecsCommand(version))

	return rootCmd
}
