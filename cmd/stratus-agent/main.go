// Package main implements the stratus-agent binary. It speaks the agent
// protocol on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/agent"
	"github.com/stratus-paas/stratus/pkg/agent/handlers"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		runnerID  string
		dataDir   string
		dockerBin string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:           "stratus-agent",
		Short:         "Run Stratus deployments and databases on the local docker daemon",
		Long:          "stratus-agent is spawned by the Stratus runner. It reads commands on stdin and answers on stdout; logs go to stderr.",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(runnerID)
			if err != nil {
				return fmt.Errorf("invalid --runner-id: %w", err)
			}

			logger := telemetry.NewLoggerWithWriter(os.Stderr, telemetry.LoggingConfig{
				Level:  logLevel,
				Format: "json",
			}).WithField("runner_id", id.String())

			agent.Version = Version
			resources := handlers.NewResourceHandler(&handlers.DockerCLI{Binary: dockerBin}, id, dataDir, logger)
			return agent.New(resources, logger).Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&runnerID, "runner-id", "", "runner that owns the containers (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/stratus-agent", "directory for config mount files and database credentials")
	cmd.Flags().StringVar(&dockerBin, "docker", "docker", "docker CLI binary")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("runner-id")

	return cmd
}
