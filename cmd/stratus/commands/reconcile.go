package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-paas/stratus/pkg/client"
	"github.com/stratus-paas/stratus/pkg/config"
	"github.com/stratus-paas/stratus/pkg/engine"
)

type reconcileSummary struct {
	Kinds   []engine.Kind `json:"kinds"`
	Retries []engine.Task `json:"retries"`
	Elapsed string        `json:"elapsed"`
}

func newReconcileCommand() *cobra.Command {
	var flushTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one full reconciliation sweep and exit",
		Long: `Run a single full reconciliation of every kind without opening the push
stream, report the resulting statuses and print the resources left waiting
for a retry.`,
		Example: `  # One-shot sweep
  stratus reconcile -c runner.yaml

  # Machine-readable summary
  stratus reconcile -c runner.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.RunnerSections...)
			if err != nil {
				return err
			}
			summary, err := reconcileOnce(cmd.Context(), cfg, flushTimeout)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reconciled %v in %s\n", summary.Kinds, summary.Elapsed)
			if len(summary.Retries) == 0 {
				fmt.Fprintln(out, "No pending retries")
				return nil
			}
			fmt.Fprintf(out, "%d resources waiting for a retry:\n", len(summary.Retries))
			for _, t := range summary.Retries {
				fmt.Fprintf(out, "  %s/%s at %s\n", t.Key.Kind, t.Key.ID, t.ResumeAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&flushTimeout, "flush-timeout", 30*time.Second, "how long to wait for status reports to be sent")

	return cmd
}

func reconcileOnce(ctx context.Context, cfg *config.Config, flushTimeout time.Duration) (*reconcileSummary, error) {
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry(tel)

	rt, err := buildRuntime(ctx, cfg, tel, false)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	server, err := client.NewServer(controlServerConfig(cfg, tel.Logger))
	if err != nil {
		return nil, err
	}
	reporter := client.NewStatusReporter(server, client.ReporterConfig{
		Rate:  cfg.Server.ReportRate,
		Burst: cfg.Server.ReportBurst,
	}, tel.Logger)
	reporter.Attach(tel.Events)

	runner, err := engine.NewRunner(server, nil, rt.executors, tel, rt.engineOptions())
	if err != nil {
		return nil, err
	}

	reportCtx, stopReporter := context.WithCancel(ctx)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		_ = reporter.Run(reportCtx)
	}()

	start := time.Now()
	runner.FullReconcile(ctx, "manual")
	elapsed := time.Since(start)

	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := tel.Events.Shutdown(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to drain events")
	}
	for reporter.Pending() > 0 && flushCtx.Err() == nil {
		select {
		case <-flushCtx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}
	if n := reporter.Pending(); n > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d status reports were not sent\n", n)
	}
	stopReporter()
	<-reported

	return &reconcileSummary{
		Kinds:   runner.Kinds(),
		Retries: runner.PendingRetries(),
		Elapsed: elapsed.Round(time.Millisecond).String(),
	}, nil
}
