// Package commands implements the picopip command line interface.
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
	traceSpans bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "picopip",
		Short: "picopip - package manager for MicroPython and CircuitPython targets",
		Long: `picopip installs, upgrades and removes Python packages on constrained
targets: serial-attached MicroPython boards, mounted CircuitPython
volumes, and plain local directories.

It runs a standard unmodified pip inside a throwaway virtual
environment, pointed at a local proxy index, and transfers exactly
what pip changed onto the target. Dependency resolution, version
constraints and requirements files therefore behave exactly as they
do with pip itself.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "emit tracing spans to stdout")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
