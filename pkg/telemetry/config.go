package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config is the telemetry section shared by the runner and the permission
// service.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	// Environment is reported as deployment.environment on spans.
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, error or fatal.
	Level string `yaml:"level" json:"level"`
	// Format is console or json.
	Format string `yaml:"format" json:"format"`
	// Output is stdout, stderr or a file path.
	Output       string `yaml:"output" json:"output"`
	EnableCaller bool   `yaml:"enable_caller" json:"enable_caller"`

	// Sampling thins debug and info lines: SamplingInitial per second pass,
	// then one in SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter"`

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter           string            `yaml:"exporter" json:"exporter"`
	Endpoint           string            `yaml:"endpoint" json:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Path is where the API server exposes the registry.
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" json:"histogram_buckets"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	BufferSize int  `yaml:"buffer_size" json:"buffer_size"`
	// EnableAsync delivers from a background goroutine instead of the
	// publisher's.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	logTimes      = []string{"", "unix", "unixms", "rfc3339"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs to stderr in console format, keeps metrics and the
// event bus on and tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stratus",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "stratus",
			// Executor calls range from a cache hit to a rolling update.
			DefaultHistogramBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1024,
			EnableAsync: true,
		},
	}
}

// ProductionConfig logs sampled JSON to stdout and exports a tenth of all
// traces over OTLP with TLS to a local collector.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName != "", "service name is required")
	check(c.ServiceVersion != "", "service version is required")

	check(slices.Contains(logLevels, c.Logging.Level), "invalid log level %q (one of %s)", c.Logging.Level, strings.Join(logLevels, ", "))
	check(slices.Contains(logFormats, c.Logging.Format), "invalid log format %q (console or json)", c.Logging.Format)
	check(slices.Contains(logTimes, c.Logging.TimeFormat), "invalid log time format %q", c.Logging.TimeFormat)
	if c.Logging.EnableSampling {
		check(c.Logging.SamplingInitial > 0 && c.Logging.SamplingThereafter > 0, "log sampling rates must be positive")
	}

	if c.Tracing.Enabled {
		check(slices.Contains(spanExporters, c.Tracing.Exporter), "invalid trace exporter %q", c.Tracing.Exporter)
		check(c.Tracing.Exporter != "otlp" || c.Tracing.Endpoint != "", "otlp trace exporter needs an endpoint")
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1, "trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate)

	if c.Metrics.Enabled {
		check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics path %q must start with /", c.Metrics.Path)
	}
	if c.Events.Enabled {
		check(c.Events.BufferSize > 0, "event buffer size must be positive, got %d", c.Events.BufferSize)
	}

	return errors.Join(errs...)
}
