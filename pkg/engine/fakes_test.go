package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeServer is an in-memory control server.
type fakeServer struct {
	mu       sync.Mutex
	desired  map[Kind][]uuid.UUID
	specs    map[uuid.UUID]*Resource
	listErr  error
	getErr   map[uuid.UUID]error
	getCalls []uuid.UUID
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		desired: make(map[Kind][]uuid.UUID),
		specs:   make(map[uuid.UUID]*Resource),
		getErr:  make(map[uuid.UUID]error),
	}
}

func (s *fakeServer) addDeployment(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired[KindDeployment] = append(s.desired[KindDeployment], id)
	s.specs[id] = &Resource{
		ID:   id,
		Kind: KindDeployment,
		Deployment: &DeploymentSpec{
			ImageName:          "app",
			ImageTag:           "v1",
			MinHorizontalScale: 1,
			MaxHorizontalScale: 2,
			Ports:              map[uint16]PortType{8080: PortTypeHTTP},
		},
	}
}

func (s *fakeServer) ListDesired(_ context.Context, kind Kind) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]uuid.UUID(nil), s.desired[kind]...), nil
}

func (s *fakeServer) GetDesired(_ context.Context, kind Kind, id uuid.UUID) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls = append(s.getCalls, id)
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	spec, ok := s.specs[id]
	if !ok || spec.Kind != kind {
		return nil, NewNotFoundError("resource does not exist", nil).WithResource(id.String())
	}
	cp := *spec
	return &cp, nil
}

// fakeExecutor records calls and keeps live IDs in insertion order.
type fakeExecutor struct {
	mu        sync.Mutex
	kind      Kind
	live      []uuid.UUID
	upsertErr map[uuid.UUID][]error
	deleteErr map[uuid.UUID]error
	calls     []string
	names     map[uuid.UUID]string
	onDelete  func()
	onUpsert  func()
}

func newFakeExecutor(kind Kind, live ...uuid.UUID) *fakeExecutor {
	return &fakeExecutor{
		kind:      kind,
		live:      live,
		upsertErr: make(map[uuid.UUID][]error),
		deleteErr: make(map[uuid.UUID]error),
		names:     make(map[uuid.UUID]string),
	}
}

func (e *fakeExecutor) name(id uuid.UUID) string {
	if n, ok := e.names[id]; ok {
		return n
	}
	return id.String()
}

func (e *fakeExecutor) Kind() Kind { return e.kind }

func (e *fakeExecutor) FullReconciliationInterval() time.Duration { return time.Hour }

func (e *fakeExecutor) ListRunning(context.Context) iter.Seq2[uuid.UUID, error] {
	e.mu.Lock()
	snapshot := append([]uuid.UUID(nil), e.live...)
	e.mu.Unlock()
	return func(yield func(uuid.UUID, error) bool) {
		for _, id := range snapshot {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (e *fakeExecutor) Upsert(_ context.Context, r *Resource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "upsert:"+e.name(r.ID))
	if e.onUpsert != nil {
		e.onUpsert()
	}
	if errs := e.upsertErr[r.ID]; len(errs) > 0 {
		err := errs[0]
		e.upsertErr[r.ID] = errs[1:]
		if err != nil {
			return err
		}
	}
	for _, id := range e.live {
		if id == r.ID {
			return nil
		}
	}
	e.live = append(e.live, r.ID)
	return nil
}

func (e *fakeExecutor) Delete(_ context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "delete:"+e.name(id))
	if e.onDelete != nil {
		e.onDelete()
	}
	if err := e.deleteErr[id]; err != nil {
		return err
	}
	for i, l := range e.live {
		if l == id {
			e.live = append(e.live[:i], e.live[i+1:]...)
			break
		}
	}
	return nil
}

func (e *fakeExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeExecutor) Live() map[uuid.UUID]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(e.live))
	for _, id := range e.live {
		out[id] = true
	}
	return out
}

// fakeStream delivers events pushed by the test. With readTimeout set it
// behaves like a websocket read deadline that only an active Recv extends:
// a Recv starting more than readTimeout after the previous one returned fails.
type fakeStream struct {
	events chan Event
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	readTimeout time.Duration
	lastRead    time.Time
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events:   make(chan Event, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		lastRead: time.Now(),
	}
}

func (s *fakeStream) Recv() (Event, error) {
	s.mu.Lock()
	expired := s.readTimeout > 0 && time.Since(s.lastRead) > s.readTimeout
	s.mu.Unlock()
	if expired {
		return Event{}, errors.New("read deadline exceeded")
	}

	defer func() {
		s.mu.Lock()
		s.lastRead = time.Now()
		s.mu.Unlock()
	}()
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return Event{}, err
	case <-s.closed:
		return Event{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeDialer hands out streams from a channel, or fails with err.
type fakeDialer struct {
	mu       sync.Mutex
	streams  chan *fakeStream
	err      error
	attempts int
	hang     bool
}

func (d *fakeDialer) Connect(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	d.attempts++
	err, hang := d.err, d.hang
	d.mu.Unlock()

	if hang {
		select {}
	}
	if err != nil {
		return nil, err
	}
	select {
	case s := <-d.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// fixedClock returns a clock frozen at a known instant.
func fixedClock() (func() time.Time, time.Time) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return now }, now
}

// newTestRunner builds a runner with short delays and a nop telemetry bundle.
func newTestRunner(t *testing.T, server ControlServer, dialer StreamDialer, opts Options, executors ...Executor) *Runner {
	t.Helper()
	r, err := NewRunner(server, dialer, executors, nil, opts)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func named(ids map[string]uuid.UUID) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(ids))
	for n, id := range ids {
		out[id] = n
	}
	return out
}

func mustEqualCalls(t *testing.T, got, want []string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("executor calls = %v, want %v", got, want)
	}
}
