package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when an async publisher drops an event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventType names a runner lifecycle event.
type EventType string

// Event types published by the runner.
const (
	EventTypeStreamConnected    EventType = "stream.connected"
	EventTypeStreamDisconnected EventType = "stream.disconnected"
	EventTypeSweepCompleted     EventType = "sweep.completed"
	EventTypeResourceStatus     EventType = "resource.status"
	EventTypeResourceDeleted    EventType = "resource.deleted"
	EventTypeRetryScheduled     EventType = "retry.scheduled"
	EventTypeAdmissionDenied    EventType = "admission.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event is an in-process lifecycle event. Resource events carry Kind and
// ResourceID; the remaining fields are set by the event types that use them.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`

	Kind        string `json:"kind,omitempty"`
	ResourceID  string `json:"resource_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Status is the new resource status of a resource.status event.
	Status string `json:"status,omitempty"`
	// Reason is what triggered the event: a sweep reason, a failure or a
	// disconnect cause.
	Reason string `json:"reason,omitempty"`
	// RetryAfter is the delay of a retry.scheduled event.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Duration is the length of a completed sweep.
	Duration time.Duration `json:"duration,omitempty"`
}

// EventSubscriber handles events. Subscribers run on the delivery goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans lifecycle events out to subscribers in publish order.
// A nil or disabled publisher accepts and discards everything.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
	dropped  atomic.Uint64
}

// NewEventPublisher creates a publisher. With EnableAsync, delivery happens on
// a background goroutine fed by a BufferSize queue.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stop: make(chan struct{}), drained: make(chan struct{})}
	if !cfg.Enabled {
		close(ep.drained)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if !cfg.EnableAsync {
		close(ep.drained)
		return ep, nil
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.run()
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish stamps and delivers event. It never blocks.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped returns how many events were lost to a full buffer.
func (ep *EventPublisher) Dropped() uint64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

// PublishResourceStatus publishes a status transition for a resource.
func (ep *EventPublisher) PublishResourceStatus(kind, resourceID, workspaceID, status, reason string) error {
	level := EventLevelInfo
	if status == "errored" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        EventTypeResourceStatus,
		Level:       level,
		Message:     fmt.Sprintf("%s %s is %s", kind, resourceID, status),
		Kind:        kind,
		ResourceID:  resourceID,
		WorkspaceID: workspaceID,
		Status:      status,
		Reason:      reason,
	})
}

// PublishRetryScheduled publishes a scheduled retry.
func (ep *EventPublisher) PublishRetryScheduled(kind, resourceID string, after time.Duration, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeRetryScheduled,
		Level:      EventLevelWarning,
		Message:    fmt.Sprintf("retrying %s %s in %s", kind, resourceID, after),
		Kind:       kind,
		ResourceID: resourceID,
		Reason:     reason,
		RetryAfter: after,
	})
}

// PublishResourceDeleted publishes the removal of a resource from its backend.
func (ep *EventPublisher) PublishResourceDeleted(kind, resourceID string) error {
	return ep.Publish(Event{
		Type:       EventTypeResourceDeleted,
		Message:    fmt.Sprintf("%s %s deleted", kind, resourceID),
		Kind:       kind,
		ResourceID: resourceID,
	})
}

// PublishAdmissionDenied publishes a desired resource rejected by policy.
func (ep *EventPublisher) PublishAdmissionDenied(kind, resourceID string, cause error) error {
	return ep.Publish(Event{
		Type:       EventTypeAdmissionDenied,
		Level:      EventLevelWarning,
		Message:    fmt.Sprintf("%s %s denied by policy", kind, resourceID),
		Kind:       kind,
		ResourceID: resourceID,
		Reason:     cause.Error(),
	})
}

// PublishStreamConnected publishes a successful connect to the control server.
func (ep *EventPublisher) PublishStreamConnected() error {
	return ep.Publish(Event{
		Type:    EventTypeStreamConnected,
		Message: "connected to control server stream",
	})
}

// PublishStreamDisconnected publishes the loss of the control server stream.
func (ep *EventPublisher) PublishStreamDisconnected(reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStreamDisconnected,
		Level:   EventLevelWarning,
		Message: "control server stream " + reason,
		Reason:  reason,
	})
}

// PublishSweepCompleted publishes the end of a full reconciliation.
func (ep *EventPublisher) PublishSweepCompleted(reason string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeSweepCompleted,
		Message:  fmt.Sprintf("full reconciliation (%s) finished in %s", reason, duration),
		Reason:   reason,
		Duration: duration,
	})
}

// Subscribe registers fn for the events filter accepts. A nil filter accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// run delivers queued events until Shutdown, then drains what is left.
func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until buffered events are
// delivered. It may be called more than once.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })

	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts only the given event types.
func FilterByType(types ...EventType) EventFilter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByKind accepts only events for one resource kind.
func FilterByKind(kind string) EventFilter {
	return func(event Event) bool {
		return event.Kind == kind
	}
}
