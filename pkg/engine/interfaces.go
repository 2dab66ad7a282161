package engine

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// DefaultFullReconciliationInterval is the resync interval used by executors that
// do not need a different one.
const DefaultFullReconciliationInterval = 5 * time.Minute

// Executor realises the desired state of one resource kind on a backend.
// All backend mutation happens behind this interface.
type Executor interface {
	// Kind returns the resource kind this executor handles.
	Kind() Kind

	// ListRunning enumerates the IDs the backend currently runs. The sequence
	// terminates at the end of the current snapshot and may be iterated again.
	// A non-nil error ends the enumeration.
	ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error]

	// Upsert makes the backend match r. Calling it twice with the same input is a
	// no-op the second time. Failures should carry a backoff via Retry.
	Upsert(ctx context.Context, r *Resource) error

	// Delete removes backend state for id. Deleting an absent resource succeeds.
	Delete(ctx context.Context, id uuid.UUID) error

	// FullReconciliationInterval is how often a full sweep runs regardless of push events.
	FullReconciliationInterval() time.Duration
}

// ControlServer answers desired-state queries for one runner.
type ControlServer interface {
	// ListDesired returns the IDs of every resource of kind that should run on this runner.
	ListDesired(ctx context.Context, kind Kind) ([]uuid.UUID, error)

	// GetDesired returns the desired spec of one resource. A resource the server no
	// longer knows yields an error for which IsNotFound is true.
	GetDesired(ctx context.Context, kind Kind, id uuid.UUID) (*Resource, error)
}

// StreamDialer opens the push stream of the control server.
type StreamDialer interface {
	Connect(ctx context.Context) (Stream, error)
}

// Stream is one connected push stream.
type Stream interface {
	// Recv blocks for the next event. It returns io.EOF once the server closed the stream.
	Recv() (Event, error)

	// Close releases the connection and unblocks a pending Recv.
	Close() error
}

// Admitter vets a desired resource before it is applied. A non-nil error
// rejects the resource; the engine treats it as permanent.
type Admitter interface {
	Admit(ctx context.Context, r *Resource) error
}

// AdmitFunc adapts a function to the Admitter interface.
type AdmitFunc func(ctx context.Context, r *Resource) error

// Admit calls f.
func (f AdmitFunc) Admit(ctx context.Context, r *Resource) error {
	return f(ctx, r)
}
