package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-paas/stratus/pkg/engine"
	"github.com/stratus-paas/stratus/pkg/rbac"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	mu      sync.Mutex
	ready   bool
	retries []engine.Task
	resyncs int
	pending bool
}

func (f *fakeRunner) Ready() bool { return f.ready }
func (f *fakeRunner) State() engine.State { return engine.StateStreaming }
func (f *fakeRunner) Kinds() []engine.Kind { return []engine.Kind{engine.KindDeployment} }
func (f *fakeRunner) PendingRetries() []engine.Task { return f.retries }

func (f *fakeRunner) RequestResync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return false
	}
	f.pending = true
	f.resyncs++
	return true
}

type fakeAuthorizer struct {
	decision rbac.Decision
	err      error
	last     rbac.Request
}

func (f *fakeAuthorizer) Authorize(_ context.Context, req rbac.Request) (rbac.Decision, error) {
	f.last = req
	return f.decision, f.err
}

type fakeInvalidator struct {
	users []uuid.UUID
	all   int
}

func (f *fakeInvalidator) Invalidate(id uuid.UUID) { f.users = append(f.users, id) }
func (f *fakeInvalidator) InvalidateAll() { f.all++ }

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := New(Config{})
	w := do(t, s, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReady(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Config{}, WithRunner(runner))

	w := do(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	runner.ready = true
	w = do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, engine.StateStreaming, resp.State)
	assert.Equal(t, []engine.Kind{engine.KindDeployment}, resp.Kinds)
}

func TestReady_Checks(t *testing.T) {
	healthy := true
	s := New(Config{}, WithCheck("store", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("database is locked")
	}))

	w := do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "database is locked", resp.Checks["store"])
}

func TestRetries(t *testing.T) {
	id := uuid.New()
	resumeAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runner := &fakeRunner{retries: []engine.Task{{
		Key:      engine.Key{Kind: engine.KindDatabase, ID: id},
		ResumeAt: resumeAt,
	}}}
	s := New(Config{}, WithRunner(runner))

	w := do(t, s, http.MethodGet, "/v1/retries", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp retriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, id, resp.Retries[0].Key.ID)
	assert.Equal(t, engine.KindDatabase, resp.Retries[0].Key.Kind)
	assert.True(t, resumeAt.Equal(resp.Retries[0].ResumeAt))
}

func TestResync(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Config{}, WithRunner(runner))

	w := do(t, s, http.MethodPost, "/v1/resync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s, http.MethodPost, "/v1/resync", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, runner.resyncs)
}

func TestRunnerRoutesNeedRunner(t *testing.T) {
	s := New(Config{})

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/retries", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/resync", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/authorize", nil).Code)
}

func TestAuthorize(t *testing.T) {
	authz := &fakeAuthorizer{decision: rbac.Decision{Allowed: true, Reason: "granted"}}
	s := New(Config{}, WithAuthorizer(authz, nil))

	req := rbac.Request{
		UserID:      uuid.New(),
		WorkspaceID: uuid.New(),
		Permission:  "deployment::edit",
		ResourceID:  uuid.New(),
	}
	w := do(t, s, http.MethodPost, "/v1/authorize", req)
	require.Equal(t, http.StatusOK, w.Code)

	var decision rbac.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, req, authz.last)
}

func TestAuthorize_BadRequest(t *testing.T) {
	s := New(Config{}, WithAuthorizer(&fakeAuthorizer{}, nil))

	w := do(t, s, http.MethodPost, "/v1/authorize", map[string]string{"permission": "deployment::edit"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/authorize", map[string]string{"user_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorize_SourceFailure(t *testing.T) {
	s := New(Config{}, WithAuthorizer(&fakeAuthorizer{err: errors.New("connection refused")}, nil))

	w := do(t, s, http.MethodPost, "/v1/authorize", rbac.Request{
		UserID:      uuid.New(),
		WorkspaceID: uuid.New(),
		Permission:  "deployment::view",
		ResourceID:  uuid.New(),
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestInvalidate(t *testing.T) {
	inv := &fakeInvalidator{}
	s := New(Config{}, WithAuthorizer(&fakeAuthorizer{}, inv))

	w := do(t, s, http.MethodPost, "/v1/invalidate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, inv.all)

	user := uuid.New()
	w = do(t, s, http.MethodPost, "/v1/invalidate", map[string]string{"user_id": user.String()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{user}, inv.users)
	assert.Contains(t, w.Body.String(), user.String())
}

func TestMetrics(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	require.NoError(t, err)
	metrics.SetRetryQueueDepth(3)

	s := New(Config{}, WithMetrics(metrics))
	w := do(t, s, http.MethodGet, metrics.Path(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "retry_queue_depth"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
