package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratus-paas/stratus/pkg/api"
	"github.com/stratus-paas/stratus/pkg/client"
	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop",
		Long: `Connect to the control server and keep this runner's resources converged.

The runner:
  - sweeps every kind on start and on every resync interval
  - reconciles single resources when the control server pushes a change
  - retries failed resources on their own schedule
  - reports resource statuses back to the control server
  - serves health, readiness, metrics and operator endpoints`,
		Example: `  # Run with a config file
  stratus run --config /etc/stratus/runner.yaml

  # Override the API listen address
  stratus run -c runner.cue --listen 0.0.0.0:9480`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.RunnerSections...)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			return runRunner(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides api.listen)")

	return cmd
}

func runRunner(ctx context.Context, cfg *config.Config) error {
	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel)

	rt, err := buildRuntime(ctx, cfg, tel, cfg.Policy.Watch)
	if err != nil {
		return err
	}
	defer rt.Close()

	serverCfg := controlServerConfig(cfg, tel.Logger)
	server, err := client.NewServer(serverCfg)
	if err != nil {
		return err
	}
	dialer, err := client.NewDialer(serverCfg)
	if err != nil {
		return err
	}

	reporter := client.NewStatusReporter(server, client.ReporterConfig{
		Rate:  cfg.Server.ReportRate,
		Burst: cfg.Server.ReportBurst,
	}, tel.Logger)
	reporter.Attach(tel.Events)

	runner, err := engine.NewRunner(server, dialer, rt.executors, tel, rt.engineOptions())
	if err != nil {
		return err
	}

	log.Info().
		Str("workspace_id", cfg.Runner.WorkspaceID).
		Str("runner_id", cfg.Runner.RunnerID).
		Interface("kinds", runner.Kinds()).
		Msg("Starting runner")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return reporter.Run(ctx) })

	if cfg.API.Enabled {
		opts := []api.Option{
			api.WithRunner(runner),
			api.WithMetrics(tel.Metrics),
			api.WithTracerProvider(tel.Tracer.Provider()),
			api.WithLogger(tel.Logger),
		}
		if rt.store != nil {
			opts = append(opts, api.WithCheck("store", rt.store.HealthCheck))
		}
		srv := api.New(api.Config{
			Listen:      cfg.API.Listen,
			ServiceName: tel.Config.ServiceName,
			ReleaseMode: cfg.API.ReleaseMode,
		}, opts...)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runner failed: %w", err)
	}
	log.Info().Msg("Runner stopped")
	return nil
}

func shutdownTelemetry(tel interface{ Shutdown(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}
