// Package client talks to the control server: desired-state queries, the
// push stream and status write-back.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Version is stamped into the User-Agent header.
var Version = "dev"

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseSize       = 8 << 20
)

// Config identifies the runner to the control server.
type Config struct {
	// BaseURL is the control server API root, e.g. https://api.example.com/api.
	BaseURL string
	// StreamURL overrides the websocket endpoint derived from BaseURL.
	StreamURL   string
	WorkspaceID uuid.UUID
	RunnerID    uuid.UUID
	Token       string
	UserAgent   string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *telemetry.Logger
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "stratus-runner/" + Version
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRequestTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("control server base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid control server base URL: %w", err)
	}
	if c.WorkspaceID == uuid.Nil || c.RunnerID == uuid.Nil {
		return fmt.Errorf("workspace and runner IDs are required")
	}
	return nil
}

func (c *Config) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	h.Set("User-Agent", c.UserAgent)
	return h
}

// runnerPath joins the runner-scoped API prefix with elems.
func (c *Config) runnerPath(elems ...string) string {
	parts := append([]string{
		strings.TrimRight(c.BaseURL, "/"),
		"workspace", c.WorkspaceID.String(),
		"runner", c.RunnerID.String(),
	}, elems...)
	return strings.Join(parts, "/")
}

// envelope is the control server response wrapper.
type envelope struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// APIError is a failed control server call.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("control server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("control server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// codeResourceDoesNotExist is the error code the server sends for unknown resources.
const codeResourceDoesNotExist = "resourceDoesNotExist"

type desiredList struct {
	IDs []uuid.UUID `json:"ids"`
}

type statusReport struct {
	Status engine.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Server implements engine.ControlServer over the control server HTTP API.
type Server struct {
	cfg    Config
	logger *telemetry.Logger
}

// NewServer creates a control server client.
func NewServer(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, logger: cfg.Logger.NewComponentLogger("control-server")}, nil
}

// ListDesired returns the IDs of kind that should run on this runner.
func (s *Server) ListDesired(ctx context.Context, kind engine.Kind) ([]uuid.UUID, error) {
	var out desiredList
	if err := s.do(ctx, http.MethodGet, s.cfg.runnerPath(string(kind)), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list desired %s: %w", kind, err)
	}
	return out.IDs, nil
}

// GetDesired returns the desired spec of one resource.
func (s *Server) GetDesired(ctx context.Context, kind engine.Kind, id uuid.UUID) (*engine.Resource, error) {
	var out engine.Resource
	if err := s.do(ctx, http.MethodGet, s.cfg.runnerPath(string(kind), id.String()), nil, &out); err != nil {
		return nil, err
	}
	if out.ID != id || out.Kind != kind {
		return nil, engine.NewTransientError(
			fmt.Sprintf("control server returned %s/%s for %s/%s", out.Kind, out.ID, kind, id), nil).
			WithCode(engine.ErrCodeControlServer)
	}
	return &out, nil
}

// ReportStatus writes the live status of one resource back to the server.
func (s *Server) ReportStatus(ctx context.Context, key engine.Key, status engine.Status, reason string) error {
	body := statusReport{Status: status, Reason: reason}
	return s.do(ctx, http.MethodPut, s.cfg.runnerPath(string(key.Kind), key.ID.String(), "status"), body, nil)
}

// do performs one request and decodes the envelope's response into out.
func (s *Server) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = s.cfg.header()
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := telemetry.NewTimer()
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return engine.NewTransientError("control server request failed", err).
			WithCode(engine.ErrCodeControlServer)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return engine.NewTransientError("failed to read control server response", err).
			WithCode(engine.ErrCodeControlServer)
	}
	s.logger.Debugf("%s %s -> %d in %s", method, req.URL.Path, resp.StatusCode, timer.Duration())

	if resp.StatusCode < 300 && len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return engine.NewTransientError("malformed control server response", err).
				WithCode(engine.ErrCodeControlServer)
		}
	}

	if resp.StatusCode >= 300 || !env.Success {
		return classify(resp, &APIError{StatusCode: resp.StatusCode, Code: env.Error, Message: env.Message})
	}
	if out == nil || len(env.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return engine.NewTransientError("malformed control server response", err).
			WithCode(engine.ErrCodeControlServer)
	}
	return nil
}

// classify maps a failed response onto the engine error taxonomy.
func classify(resp *http.Response, apiErr *APIError) error {
	switch {
	case resp.StatusCode == http.StatusNotFound || apiErr.Code == codeResourceDoesNotExist:
		return engine.NewNotFoundError("resource does not exist on the control server", apiErr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return engine.Retry(after, apiErr).WithCode(engine.ErrCodeControlServer)
		}
		return engine.NewTransientError("control server busy", apiErr).WithCode(engine.ErrCodeControlServer)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NewPermanentError("control server rejected the runner credentials", apiErr).
			WithCode(engine.ErrCodeControlServer)
	default:
		return engine.NewTransientError("control server request failed", apiErr).
			WithCode(engine.ErrCodeControlServer)
	}
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
