package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/client"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version
	client.Version = version

	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - workspace runner for deployments, databases, static sites and URLs",
		Long: `Stratus keeps the resources a control server assigns to a runner converged
with what actually runs on Kubernetes or on a local docker agent.

Features:
  - Full reconciliation sweeps plus push notifications over a websocket
  - Per-resource retry queue with best_effort or fail_fast policies
  - Rego admission policies
  - Local SQLite or Badger record of reconciled resources
  - Workspace RBAC permission service`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStoreCommand())
	rootCmd.AddCommand(newAuthzCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
