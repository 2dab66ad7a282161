package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// StatusWriter accepts status reports. *Server implements it.
type StatusWriter interface {
	ReportStatus(ctx context.Context, key engine.Key, status engine.Status, reason string) error
}

// StatusUpdate is one pending status report.
type StatusUpdate struct {
	Key    engine.Key
	Status engine.Status
	Reason string
}

// ReporterConfig configures a StatusReporter.
type ReporterConfig struct {
	// Rate is the sustained number of reports per second.
	Rate float64
	// Burst is the number of reports sent back to back.
	Burst int
	// RetryDelay is the pause after a failed report.
	RetryDelay time.Duration
	// RequestTimeout bounds a single report.
	RequestTimeout time.Duration
}

// DefaultReporterConfig returns the reporter defaults.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{Rate: 10, Burst: 20, RetryDelay: 5 * time.Second, RequestTimeout: 10 * time.Second}
}

// StatusReporter pushes resource statuses published on the event bus to the
// control server. Only the latest status of a resource is kept, and reports go
// out in first-queued order at a bounded rate.
type StatusReporter struct {
	writer  StatusWriter
	cfg     ReporterConfig
	limiter *rate.Limiter
	logger  *telemetry.Logger

	mu      sync.Mutex
	pending map[engine.Key]StatusUpdate
	order   []engine.Key
	wake    chan struct{}
}

// NewStatusReporter creates a reporter writing to w.
func NewStatusReporter(w StatusWriter, cfg ReporterConfig, logger *telemetry.Logger) *StatusReporter {
	def := DefaultReporterConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &StatusReporter{
		writer:  w,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logger.NewComponentLogger("status-reporter"),
		pending: make(map[engine.Key]StatusUpdate),
		wake:    make(chan struct{}, 1),
	}
}

// Attach subscribes the reporter to resource status events.
func (r *StatusReporter) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(r.handleEvent, telemetry.FilterByType(telemetry.EventTypeResourceStatus))
}

func (r *StatusReporter) handleEvent(ev telemetry.Event) {
	u, err := updateFromEvent(ev)
	if err != nil {
		r.logger.WithError(err).Warn("dropping status event")
		return
	}
	r.Enqueue(u)
}

func updateFromEvent(ev telemetry.Event) (StatusUpdate, error) {
	kind, err := engine.ParseKind(ev.Kind)
	if err != nil {
		return StatusUpdate{}, err
	}
	id, err := uuid.Parse(ev.ResourceID)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("invalid resource id %q: %w", ev.ResourceID, err)
	}
	status := engine.Status(ev.Status)
	if err := status.Validate(); err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{Key: engine.Key{Kind: kind, ID: id}, Status: status, Reason: ev.Reason}, nil
}

// Enqueue records u, replacing any unsent status of the same resource. It
// never blocks.
func (r *StatusReporter) Enqueue(u StatusUpdate) {
	r.mu.Lock()
	if _, ok := r.pending[u.Key]; !ok {
		r.order = append(r.order, u.Key)
	}
	r.pending[u.Key] = u
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of resources with an unsent status.
func (r *StatusReporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *StatusReporter) next() (StatusUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > 0 {
		key := r.order[0]
		r.order = r.order[1:]
		if u, ok := r.pending[key]; ok {
			delete(r.pending, key)
			return u, true
		}
	}
	return StatusUpdate{}, false
}

// requeue puts a failed update back unless a newer one arrived meanwhile.
func (r *StatusReporter) requeue(u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[u.Key]; ok {
		return
	}
	r.pending[u.Key] = u
	r.order = append(r.order, u.Key)
}

// Run sends queued reports until ctx is cancelled.
func (r *StatusReporter) Run(ctx context.Context) error {
	r.logger.Info("status reporter started")
	defer r.logger.Info("status reporter stopped")

	for {
		u, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.wake:
				continue
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			r.requeue(u)
			return nil
		}

		if err := r.send(ctx, u); err != nil {
			r.requeue(u)
			r.logger.WithResource(string(u.Key.Kind), u.Key.ID.String()).
				WithError(err).
				Warnf("failed to report status %s, retrying in %s", u.Status, r.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.RetryDelay):
			}
		}
	}
}

func (r *StatusReporter) send(ctx context.Context, u StatusUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	return r.writer.ReportStatus(ctx, u.Key, u.Status, u.Reason)
}
