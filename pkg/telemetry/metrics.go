package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the runner and the authz service.
// A nil *Metrics or one built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	reconciliations   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	fullSweeps        *prometheus.CounterVec
	fullSweepDuration prometheus.Histogram
	retriesScheduled  *prometheus.CounterVec
	retryQueueDepth   prometheus.Gauge
	admissionDenials  *prometheus.CounterVec
	resourcesManaged  *prometheus.GaugeVec

	// Stream metrics
	streamConnects    *prometheus.CounterVec
	streamDisconnects *prometheus.CounterVec

	// Status reporting
	statusReports *prometheus.CounterVec

	// RBAC metrics
	rbacDecisions *prometheus.CounterVec
	rbacCache     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of single resource reconciliations",
			},
			[]string{"kind", "operation", "result"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of executor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		fullSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "full_reconciliations_total",
				Help:      "Total number of full reconciliations by outcome",
			},
			[]string{"kind", "result"},
		),
		fullSweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "full_reconciliation_duration_seconds",
				Help:      "Duration of full reconciliations in seconds",
				Buckets:   buckets,
			},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of reconciliation retries scheduled",
			},
			[]string{"kind"},
		),
		retryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retry_queue_depth",
				Help:      "Current number of pending reconciliation retries",
			},
		),
		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Total number of desired resources rejected by admission policies",
			},
			[]string{"kind"},
		),
		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_desired",
				Help:      "Number of resources desired for this runner at the last full reconciliation",
			},
			[]string{"kind"},
		),
		streamConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_connect_attempts_total",
				Help:      "Total number of control server stream connection attempts",
			},
			[]string{"result"},
		),
		streamDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_disconnects_total",
				Help:      "Total number of control server stream disconnects",
			},
			[]string{"reason"},
		),
		statusReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_reports_total",
				Help:      "Total number of resource status reports sent to the control server",
			},
			[]string{"result"},
		),
		rbacDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rbac_decisions_total",
				Help:      "Total number of authorization decisions",
			},
			[]string{"result"},
		),
		rbacCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rbac_snapshot_cache_total",
				Help:      "Permission snapshot cache lookups",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.reconciliations,
		m.reconcileDuration,
		m.fullSweeps,
		m.fullSweepDuration,
		m.retriesScheduled,
		m.retryQueueDepth,
		m.admissionDenials,
		m.resourcesManaged,
		m.streamConnects,
		m.streamDisconnects,
		m.statusReports,
		m.rbacDecisions,
		m.rbacCache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Reconciliation Metrics

// RecordReconcile records one executor call for a resource.
func (m *Metrics) RecordReconcile(kind, operation string, duration time.Duration, err error) {
	if m == nil || m.reconciliations == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reconciliations.WithLabelValues(kind, operation, result).Inc()
	m.reconcileDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordFullReconciliation records the outcome of a full sweep for one kind.
func (m *Metrics) RecordFullReconciliation(kind, result string, duration time.Duration) {
	if m == nil || m.fullSweeps == nil {
		return
	}
	m.fullSweeps.WithLabelValues(kind, result).Inc()
	m.fullSweepDuration.Observe(duration.Seconds())
}

// RecordRetryScheduled counts a scheduled retry.
func (m *Metrics) RecordRetryScheduled(kind string) {
	if m == nil || m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(kind).Inc()
}

// SetRetryQueueDepth sets the current number of pending retries.
func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil || m.retryQueueDepth == nil {
		return
	}
	m.retryQueueDepth.Set(float64(n))
}

// RecordAdmissionDenied counts a desired resource rejected by policy.
func (m *Metrics) RecordAdmissionDenied(kind string) {
	if m == nil || m.admissionDenials == nil {
		return
	}
	m.admissionDenials.WithLabelValues(kind).Inc()
}

// SetDesiredCount sets the number of desired resources of a kind.
func (m *Metrics) SetDesiredCount(kind string, n int) {
	if m == nil || m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(kind).Set(float64(n))
}

// Stream Metrics

// RecordStreamConnect records a stream connection attempt.
func (m *Metrics) RecordStreamConnect(err error) {
	if m == nil || m.streamConnects == nil {
		return
	}
	result := "connected"
	if err != nil {
		result = "failed"
	}
	m.streamConnects.WithLabelValues(result).Inc()
}

// RecordStreamDisconnect records a dropped stream.
func (m *Metrics) RecordStreamDisconnect(reason string) {
	if m == nil || m.streamDisconnects == nil {
		return
	}
	m.streamDisconnects.WithLabelValues(reason).Inc()
}

// RecordStatusReport records a status report sent to the control server.
func (m *Metrics) RecordStatusReport(err error) {
	if m == nil || m.statusReports == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.statusReports.WithLabelValues(result).Inc()
}

// RBAC Metrics

// RecordAuthorization records an authorization decision.
func (m *Metrics) RecordAuthorization(allowed bool) {
	if m == nil || m.rbacDecisions == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.rbacDecisions.WithLabelValues(result).Inc()
}

// RecordSnapshotCache records a permission snapshot cache hit or miss.
func (m *Metrics) RecordSnapshotCache(hit bool) {
	if m == nil || m.rbacCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.rbacCache.WithLabelValues(result).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
