package stores

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// TrackingExecutor records every resource handed to an executor in a
// ResourceStore. A resource is recorded before its upsert runs and forgotten
// only after a successful delete, so backend state left by a failed or
// interrupted upsert stays visible to the sweep. ListRunning reports the union
// of the executor's own enumeration and the record, which covers backends
// that cannot enumerate what they run.
type TrackingExecutor struct {
	exec  engine.Executor
	store ResourceStore
}

// NewTrackingExecutor wraps exec with store.
func NewTrackingExecutor(exec engine.Executor, store ResourceStore) *TrackingExecutor {
	return &TrackingExecutor{exec: exec, store: store}
}

// Kind returns the wrapped executor's kind.
func (t *TrackingExecutor) Kind() engine.Kind {
	return t.exec.Kind()
}

// FullReconciliationInterval returns the wrapped executor's interval.
func (t *TrackingExecutor) FullReconciliationInterval() time.Duration {
	return t.exec.FullReconciliationInterval()
}

// ListRunning yields the executor's live IDs followed by recorded IDs it did
// not report. Each ID is yielded once.
func (t *TrackingExecutor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	return func(yield func(uuid.UUID, error) bool) {
		seen := make(map[uuid.UUID]struct{})
		for id, err := range t.exec.ListRunning(ctx) {
			if err != nil {
				yield(uuid.Nil, err)
				return
			}
			seen[id] = struct{}{}
			if !yield(id, nil) {
				return
			}
		}

		ids, err := t.store.ListIDs(ctx, t.exec.Kind())
		if err != nil {
			yield(uuid.Nil, engine.NewTransientError("failed to list tracked resources", err).
				WithCode(engine.ErrCodeStorageFailed))
			return
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Upsert records r, then applies it. The record stays when the upsert fails.
func (t *TrackingExecutor) Upsert(ctx context.Context, r *engine.Resource) error {
	if err := t.store.Put(ctx, r); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to record %s", r.Key()), err).
			WithCode(engine.ErrCodeStorageFailed)
	}
	return t.exec.Upsert(ctx, r)
}

// Delete removes id and forgets it.
func (t *TrackingExecutor) Delete(ctx context.Context, id uuid.UUID) error {
	if err := t.exec.Delete(ctx, id); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, t.exec.Kind(), id); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to forget %s/%s", t.exec.Kind(), id), err).
			WithCode(engine.ErrCodeStorageFailed)
	}
	return nil
}
