// Package agent adapts a stratus-agent process to the engine's Executor
// interface.
package agent

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/agent/client"
	"github.com/stratus-paas/stratus/pkg/agent/protocol"
	"github.com/stratus-paas/stratus/pkg/engine"
)

// RetryDelay is the backoff of every failed agent call.
const RetryDelay = 5 * time.Second

// Commander executes agent commands. *client.Client implements it.
type Commander interface {
	Execute(ctx context.Context, typ protocol.CommandType, params, result any) error
}

// Executor runs one kind on the agent.
type Executor struct {
	agent    Commander
	kind     engine.Kind
	interval time.Duration
}

// NewExecutor creates an executor for kind. A zero interval uses the engine default.
func NewExecutor(agent Commander, kind engine.Kind, interval time.Duration) *Executor {
	if interval <= 0 {
		interval = engine.DefaultFullReconciliationInterval
	}
	return &Executor{agent: agent, kind: kind, interval: interval}
}

// Executors creates one executor per kind the started agent advertised.
func Executors(c *client.Client, interval time.Duration) []engine.Executor {
	ready := c.Ready()
	if ready == nil {
		return nil
	}
	execs := make([]engine.Executor, 0, len(ready.Kinds))
	for _, kind := range ready.Kinds {
		execs = append(execs, NewExecutor(c, kind, interval))
	}
	return execs
}

// Kind implements engine.Executor.
func (e *Executor) Kind() engine.Kind { return e.kind }

// FullReconciliationInterval implements engine.Executor.
func (e *Executor) FullReconciliationInterval() time.Duration { return e.interval }

// ListRunning implements engine.Executor.
func (e *Executor) ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error] {
	return func(yield func(uuid.UUID, error) bool) {
		var result protocol.ListResult
		if err := e.agent.Execute(ctx, protocol.CommandTypeList, protocol.ListParams{Kind: e.kind}, &result); err != nil {
			yield(uuid.Nil, engine.Retry(RetryDelay, err))
			return
		}
		for _, id := range result.IDs {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Upsert implements engine.Executor.
func (e *Executor) Upsert(ctx context.Context, r *engine.Resource) error {
	var result protocol.UpsertResult
	if err := e.agent.Execute(ctx, protocol.CommandTypeUpsert, protocol.UpsertParams{Resource: r}, &result); err != nil {
		return engine.Retry(RetryDelay, err)
	}
	return nil
}

// Delete implements engine.Executor.
func (e *Executor) Delete(ctx context.Context, id uuid.UUID) error {
	if err := e.agent.Execute(ctx, protocol.CommandTypeDelete, protocol.DeleteParams{Kind: e.kind, ID: id}, nil); err != nil {
		return engine.Retry(RetryDelay, err)
	}
	return nil
}
