package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// State is the connection lifecycle state of a runner.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateDisconnected State = "disconnected"
	StateShuttingDown State = "shutting_down"
)

// Options tunes the runner loop. Zero values select the defaults.
type Options struct {
	// WorkspaceID and RunnerID identify the runner in logs and status events.
	WorkspaceID uuid.UUID
	RunnerID    uuid.UUID

	// FailurePolicy decides whether a failed delete ends the sweep of its kind.
	FailurePolicy FailurePolicy

	// ReconnectDelay is the wait between failed stream connection attempts.
	ReconnectDelay time.Duration

	// StreamErrorDelay is the wait before reconnecting after a stream error.
	StreamErrorDelay time.Duration

	// StreamClosedDelay is the wait before reconnecting after the server closed the stream.
	StreamClosedDelay time.Duration

	// FetchRetryDelay is the backoff after a failed desired spec fetch.
	FetchRetryDelay time.Duration

	// DefaultRetryDelay is the backoff for executor failures that carry none.
	DefaultRetryDelay time.Duration

	// ResyncInterval overrides the executors' full reconciliation interval.
	ResyncInterval time.Duration

	// ExecutorTimeout bounds every executor call. Executor calls are not
	// cancelled by shutdown; they run until they finish or time out.
	ExecutorTimeout time.Duration

	// Admitter, when set, vets each desired resource before upsert.
	Admitter Admitter

	// Now is the clock used for retry deadlines.
	Now func() time.Time
}

// DefaultOptions returns the reference timings.
func DefaultOptions() Options {
	return Options{
		FailurePolicy:     BestEffort,
		ReconnectDelay:    5 * time.Second,
		StreamErrorDelay:  1 * time.Second,
		StreamClosedDelay: 2 * time.Second,
		FetchRetryDelay:   5 * time.Second,
		DefaultRetryDelay: 5 * time.Second,
		ExecutorTimeout:   2 * time.Minute,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FailurePolicy == "" {
		o.FailurePolicy = d.FailurePolicy
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.StreamErrorDelay <= 0 {
		o.StreamErrorDelay = d.StreamErrorDelay
	}
	if o.StreamClosedDelay <= 0 {
		o.StreamClosedDelay = d.StreamClosedDelay
	}
	if o.FetchRetryDelay <= 0 {
		o.FetchRetryDelay = d.FetchRetryDelay
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = d.DefaultRetryDelay
	}
	if o.ExecutorTimeout <= 0 {
		o.ExecutorTimeout = d.ExecutorTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Runner keeps the executors' live state convergent with the control server's
// desired state. One goroutine, the one calling Run, owns the retry queue.
type Runner struct {
	opts      Options
	server    ControlServer
	dialer    StreamDialer
	executors map[Kind]Executor
	order     []Kind
	resync    time.Duration

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	retries *RetryQueue

	resyncCh chan struct{}
	state    atomic.Value
	ready    atomic.Bool

	snapshotMu sync.RWMutex
	snapshot   []Task
}

// NewRunner creates a runner over one executor per kind.
func NewRunner(server ControlServer, dialer StreamDialer, executors []Executor, tel *telemetry.Telemetry, opts Options) (*Runner, error) {
	if server == nil {
		return nil, fmt.Errorf("control server is required")
	}
	if len(executors) == 0 {
		return nil, fmt.Errorf("at least one executor is required")
	}
	opts = opts.withDefaults()
	if err := opts.FailurePolicy.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	byKind := make(map[Kind]Executor, len(executors))
	for _, e := range executors {
		if err := e.Kind().Validate(); err != nil {
			return nil, err
		}
		if _, dup := byKind[e.Kind()]; dup {
			return nil, fmt.Errorf("duplicate executor for kind %s", e.Kind())
		}
		byKind[e.Kind()] = e
	}

	var order []Kind
	resync := opts.ResyncInterval
	for _, k := range AllKinds {
		e, ok := byKind[k]
		if !ok {
			continue
		}
		order = append(order, k)
		if opts.ResyncInterval <= 0 {
			iv := e.FullReconciliationInterval()
			if iv <= 0 {
				iv = DefaultFullReconciliationInterval
			}
			if resync == 0 || iv < resync {
				resync = iv
			}
		}
	}

	r := &Runner{
		opts:      opts,
		server:    server,
		dialer:    dialer,
		executors: byKind,
		order:     order,
		resync:    resync,
		tel:       tel,
		logger: tel.Logger.NewComponentLogger("runner").
			WithRunner(opts.WorkspaceID.String(), opts.RunnerID.String()),
		retries:  NewRetryQueue(),
		resyncCh: make(chan struct{}, 1),
	}
	r.state.Store(StateIdle)
	return r, nil
}

// Run connects to the control server and reconciles until ctx is cancelled.
// It returns nil on shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.dialer == nil {
		return fmt.Errorf("runner has no stream dialer")
	}
	defer r.setState(StateShuttingDown)

	r.logger.Infof("runner started, kinds=%v resync=%s policy=%s", r.order, r.resync, r.opts.FailurePolicy)

	for {
		stream, err := r.connect(ctx)
		if err != nil {
			r.logger.Info("shutdown requested while connecting")
			return nil
		}

		delay := r.serve(ctx, stream)
		if cerr := stream.Close(); cerr != nil {
			r.logger.WithError(cerr).Debug("failed to close stream")
		}
		r.setState(StateDisconnected)

		if ctx.Err() != nil {
			r.logger.Info("shutdown requested, runner stopped")
			return nil
		}
		if !sleep(ctx, delay) {
			r.logger.Info("shutdown requested while waiting to reconnect")
			return nil
		}
	}
}

// connect dials the stream until it succeeds or ctx is cancelled. A dial that
// hangs past shutdown is abandoned and its late stream closed.
func (r *Runner) connect(ctx context.Context) (Stream, error) {
	r.setState(StateConnecting)

	type result struct {
		stream Stream
		err    error
	}

	for {
		done := make(chan result, 1)
		go func() {
			s, err := r.dialer.Connect(ctx)
			done <- result{stream: s, err: err}
		}()

		select {
		case <-ctx.Done():
			go func() {
				if res := <-done; res.stream != nil {
					_ = res.stream.Close()
				}
			}()
			return nil, ctx.Err()
		case res := <-done:
			r.tel.Metrics.RecordStreamConnect(res.err)
			if res.err == nil {
				r.logger.Info("connected to control server stream")
				_ = r.tel.Events.PublishStreamConnected()
				return res.stream, nil
			}
			r.logger.WithError(res.err).Warnf("failed to connect to control server, retrying in %s", r.opts.ReconnectDelay)
		}

		if !sleep(ctx, r.opts.ReconnectDelay) {
			return nil, ctx.Err()
		}
	}
}

type streamMessage struct {
	event Event
	err   error
}

// inbox buffers stream messages so the reader keeps calling Recv, and the
// stream keeps answering pings, while the loop is busy reconciling.
type inbox struct {
	mu     sync.Mutex
	queue  []streamMessage
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) put(m streamMessage) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	b.signal()
}

// take pops the oldest message and re-signals when more are queued.
func (b *inbox) take() (streamMessage, bool) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return streamMessage{}, false
	}
	m := b.queue[0]
	b.queue[0] = streamMessage{}
	b.queue = b.queue[1:]
	more := len(b.queue) > 0
	b.mu.Unlock()
	if more {
		b.signal()
	}
	return m, true
}

func (b *inbox) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// serve runs the event loop over one connected stream and returns the delay
// to wait before reconnecting.
func (r *Runner) serve(ctx context.Context, stream Stream) time.Duration {
	r.setState(StateStreaming)

	// The reader exits once Run closes the stream.
	msgs := newInbox()
	go func() {
		for {
			ev, err := stream.Recv()
			msgs.put(streamMessage{event: ev, err: err})
			if err != nil {
				return
			}
		}
	}()

	r.retries.Clear()
	r.publishQueue()
	r.FullReconcile(ctx, "connect")

	resync := time.NewTimer(r.resync)
	defer resync.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	fullResync := func(reason string) {
		resync.Reset(r.resync)
		r.retries.Clear()
		r.publishQueue()
		r.FullReconcile(ctx, reason)
	}

	for {
		if ctx.Err() != nil {
			return 0
		}

		// A due resync wins ties against pending pushes and retries.
		select {
		case <-resync.C:
			fullResync("timer")
			continue
		default:
		}

		var retryC <-chan time.Time
		if next, ok := r.retries.Next(); ok {
			retry.Reset(max(next.ResumeAt.Sub(r.opts.Now()), 0))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			return 0

		case <-resync.C:
			fullResync("timer")

		case <-r.resyncCh:
			fullResync("manual")

		case <-msgs.notify:
			msg, ok := msgs.take()
			if !ok {
				continue
			}
			if errors.Is(msg.err, io.EOF) {
				r.logger.Warnf("control server closed the stream, reconnecting in %s", r.opts.StreamClosedDelay)
				r.disconnected("closed")
				return r.opts.StreamClosedDelay
			}
			if msg.err != nil {
				r.logger.WithError(msg.err).Warnf("stream error, reconnecting in %s", r.opts.StreamErrorDelay)
				r.disconnected("error")
				return r.opts.StreamErrorDelay
			}
			r.logger.WithResource(string(msg.event.Kind), msg.event.ResourceID.String()).
				Debugf("received %s", msg.event.Type)
			r.ReconcileOne(ctx, msg.event.Key(), "push")

		case <-retryC:
			task, ok := r.retries.Next()
			if !ok || task.ResumeAt.After(r.opts.Now()) {
				continue
			}
			r.retries.Pop()
			r.ReconcileOne(ctx, task.Key, "retry")
		}

		retry.Stop()
	}
}

func (r *Runner) disconnected(reason string) {
	r.tel.Metrics.RecordStreamDisconnect(reason)
	_ = r.tel.Events.PublishStreamDisconnected(reason)
}

// RequestResync asks the loop to run a full reconciliation at its next
// iteration. It never blocks; requests made while one is pending coalesce.
func (r *Runner) RequestResync() bool {
	select {
	case r.resyncCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// PendingRetries returns a copy of the retry queue as of the last loop iteration.
func (r *Runner) PendingRetries() []Task {
	r.snapshotMu.RLock()
	defer r.snapshotMu.RUnlock()
	out := make([]Task, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}

// Ready reports whether a full reconciliation has completed since start.
func (r *Runner) Ready() bool {
	return r.ready.Load()
}

// State returns the connection state.
func (r *Runner) State() State {
	return r.state.Load().(State)
}

// Kinds returns the kinds this runner reconciles, in sweep order.
func (r *Runner) Kinds() []Kind {
	return append([]Kind(nil), r.order...)
}

// ResyncInterval returns the effective full reconciliation interval.
func (r *Runner) ResyncInterval() time.Duration {
	return r.resync
}

func (r *Runner) setState(s State) {
	r.state.Store(s)
}

func (r *Runner) publishQueue() {
	snap := r.retries.Snapshot()
	r.snapshotMu.Lock()
	r.snapshot = snap
	r.snapshotMu.Unlock()
	r.tel.Metrics.SetRetryQueueDepth(len(snap))
}

// sleep waits for d or until ctx is cancelled. It returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
