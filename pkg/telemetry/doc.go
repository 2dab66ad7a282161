// Package telemetry provides observability instrumentation for the Stratus runner
// and the authorization service.
//
// It bundles structured logging (zerolog), distributed tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event bus behind a single Telemetry value.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartSweepSpan(ctx, "resync")
//	defer func() { telemetry.EndSpan(span, err) }()
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("runner")
//	logger.WithResource("deployment", id.String()).Info("upserted")
//
// # Events
//
// The runner publishes lifecycle events (status transitions, scheduled retries,
// completed sweeps). Subscribers are invoked sequentially in publish order, from
// the publisher goroutine when EnableAsync is set and inline otherwise:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    // forward to the control server
//	}, telemetry.FilterByType(telemetry.EventTypeResourceStatus))
//
// # Metrics
//
// Metrics are registered on a private registry and exposed through
// Metrics.Handler. All recorders are safe to call on a nil or disabled *Metrics.
package telemetry
