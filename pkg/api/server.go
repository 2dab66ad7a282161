// Package api serves the operator HTTP surface of the runner and the
// permission service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/rbac"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Runner is the part of engine.Runner the API exposes.
type Runner interface {
	Ready() bool
	State() engine.State
	Kinds() []engine.Kind
	PendingRetries() []engine.Task
	RequestResync() bool
}

// Authorizer answers permission checks.
type Authorizer interface {
	Authorize(ctx context.Context, req rbac.Request) (rbac.Decision, error)
}

// Invalidator drops cached permission snapshots.
type Invalidator interface {
	Invalidate(userID uuid.UUID)
	InvalidateAll()
}

// CheckFunc reports whether a dependency is healthy.
type CheckFunc func(ctx context.Context) error

// Config contains server configuration options.
type Config struct {
	Listen      string
	ServiceName string
	ReleaseMode bool
	// CheckTimeout bounds every readiness check.
	CheckTimeout time.Duration
	// ShutdownTimeout bounds the graceful shutdown in Run.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "stratus"
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Server is the operator HTTP server.
type Server struct {
	cfg         Config
	runner      Runner
	authorizer  Authorizer
	invalidator Invalidator
	metrics     *telemetry.Metrics
	tracer      trace.TracerProvider
	logger      *telemetry.Logger
	checks      []namedCheck

	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithRunner exposes the runner's readiness, retries and resync trigger.
func WithRunner(r Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithAuthorizer exposes /v1/authorize and, when inv is not nil, /v1/invalidate.
func WithAuthorizer(a Authorizer, inv Invalidator) Option {
	return func(s *Server) {
		s.authorizer = a
		s.invalidator = inv
	}
}

// WithMetrics exposes the metrics registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracerProvider traces every request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// WithLogger sets the request logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCheck adds a readiness check.
func WithCheck(name string, fn CheckFunc) Option {
	return func(s *Server) { s.checks = append(s.checks, namedCheck{name: name, fn: fn}) }
}

// New creates a server and registers its routes.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.NewComponentLogger("api")

	if s.cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	if s.tracer != nil {
		s.router.Use(otelgin.Middleware(s.cfg.ServiceName, otelgin.WithTracerProvider(s.tracer)))
	}
	s.registerRoutes()
	return s
}

// registerRoutes registers every route the configured components support.
//
//	GET  /healthz        - liveness
//	GET  /readyz         - first full reconciliation done and checks pass
//	GET  /metrics        - Prometheus metrics
//	GET  /v1/retries     - retry queue snapshot
//	POST /v1/resync      - request a full reconciliation
//	POST /v1/authorize   - permission check
//	POST /v1/invalidate  - drop cached permission snapshots
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/readyz", s.handleReady)

	if s.metrics != nil {
		s.router.GET(s.metrics.Path(), gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/v1")
	if s.runner != nil {
		v1.GET("/retries", s.handleRetries)
		v1.POST("/resync", s.handleResync)
	}
	if s.authorizer != nil {
		v1.POST("/authorize", s.handleAuthorize)
	}
	if s.invalidator != nil {
		v1.POST("/invalidate", s.handleInvalidate)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.WithField("address", ln.Addr().String()).Info("API server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}
