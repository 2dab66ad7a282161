package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrResourceKind = attribute.Key("stratus.resource.kind")
	AttrResourceID   = attribute.Key("stratus.resource.id")
	AttrOperation    = attribute.Key("stratus.operation")
	AttrSweepReason  = attribute.Key("stratus.sweep.reason")
)

// Tracer creates reconciliation spans. A disabled tracer hands out no-op
// spans.
type Tracer struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer described by cfg.Tracing. An enabled tracer
// becomes the global otel provider.
func NewTracer(cfg *Config) (*Tracer, error) {
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter == "none" {
		p := noop.NewTracerProvider()
		return &Tracer{provider: p, tracer: p.Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := newSpanExporter(cfg.Tracing, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.Tracing.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.Tracing.ExportTimeout),
		),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: sdk, sdk: sdk, tracer: sdk.Tracer(cfg.ServiceName)}, nil
}

func newSpanExporter(cfg TracingConfig, serviceName string) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// Provider returns the tracer provider, for instrumentation libraries.
func (t *Tracer) Provider() trace.TracerProvider {
	if t == nil {
		return otel.GetTracerProvider()
	}
	return t.provider
}

// StartSweepSpan starts the span of one full reconciliation.
func (t *Tracer) StartSweepSpan(ctx context.Context, reason string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "reconcile.full", trace.WithAttributes(AttrSweepReason.String(reason)))
}

// StartReconcileSpan starts the span of one executor call.
func (t *Tracer) StartReconcileSpan(ctx context.Context, kind, resourceID, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "reconcile."+operation, trace.WithAttributes(
		AttrResourceKind.String(kind),
		AttrResourceID.String(resourceID),
		AttrOperation.String(operation),
	))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}
