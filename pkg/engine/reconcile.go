package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// FullReconcile sweeps every kind: deletes live resources that are no longer
// desired, then reconciles every desired resource. It must only be called from
// the goroutine that owns the runner loop, or before Run starts.
func (r *Runner) FullReconcile(ctx context.Context, reason string) {
	ctx, span := r.tel.Tracer.StartSweepSpan(ctx, reason)
	timer := telemetry.NewTimer()
	r.logger.Infof("full reconciliation started (%s)", reason)

	for _, kind := range r.order {
		if ctx.Err() != nil {
			break
		}
		r.reconcileKind(ctx, r.executors[kind])
	}

	r.publishQueue()
	r.ready.Store(true)
	telemetry.EndSpan(span, ctx.Err())
	_ = r.tel.Events.PublishSweepCompleted(reason, timer.Duration())
	r.logger.Infof("full reconciliation finished (%s) in %s, %d retries pending",
		reason, timer.Duration(), r.retries.Len())
}

// reconcileKind runs the sweep for one executor.
func (r *Runner) reconcileKind(ctx context.Context, exec Executor) {
	kind := exec.Kind()
	timer := telemetry.NewTimer()
	logger := r.logger.WithField("resource_kind", string(kind))

	desired, err := r.server.ListDesired(ctx, kind)
	if err != nil {
		logger.WithError(err).Error("failed to fetch desired resources, skipping sweep")
		r.tel.Metrics.RecordFullReconciliation(string(kind), "fetch_failed", timer.Duration())
		return
	}
	r.tel.Metrics.SetDesiredCount(string(kind), len(desired))

	shouldRun := make(map[uuid.UUID]struct{}, len(desired))
	for _, id := range desired {
		shouldRun[id] = struct{}{}
	}

	for id, err := range exec.ListRunning(ctx) {
		if err != nil {
			// Live resources not yet seen are still reconciled below; their
			// deletion waits for the next sweep.
			logger.WithError(err).Error("failed to list running resources")
			break
		}
		if ctx.Err() != nil {
			r.tel.Metrics.RecordFullReconciliation(string(kind), "aborted", timer.Duration())
			return
		}

		key := Key{Kind: kind, ID: id}
		if _, ok := shouldRun[id]; !ok {
			if err := r.deleteResource(ctx, exec, key); err != nil {
				r.schedule(key, RetryAfter(err, r.opts.DefaultRetryDelay), err)
				if r.opts.FailurePolicy == FailFast {
					logger.Warn("delete failed, ending sweep early")
					r.tel.Metrics.RecordFullReconciliation(string(kind), "aborted", timer.Duration())
					return
				}
			}
			continue
		}

		r.ReconcileOne(ctx, key, "sweep")
		delete(shouldRun, id)
	}

	// Desired resources never observed live, in server order.
	for _, id := range desired {
		if _, ok := shouldRun[id]; !ok {
			continue
		}
		if ctx.Err() != nil {
			r.tel.Metrics.RecordFullReconciliation(string(kind), "aborted", timer.Duration())
			return
		}
		delete(shouldRun, id)
		r.ReconcileOne(ctx, Key{Kind: kind, ID: id}, "sweep")
	}

	r.tel.Metrics.RecordFullReconciliation(string(kind), "completed", timer.Duration())
}

// ReconcileOne makes the live state of one resource match its desired spec,
// scheduling a retry on failure. It touches no other resource's retry entry.
// Like FullReconcile it belongs to the loop goroutine.
func (r *Runner) ReconcileOne(ctx context.Context, key Key, trigger string) {
	if r.retries.Remove(key) > 0 {
		r.logger.WithResource(string(key.Kind), key.ID.String()).Debug("superseded pending retry")
	}
	defer r.publishQueue()

	logger := r.logger.WithResource(string(key.Kind), key.ID.String()).WithField("trigger", trigger)
	exec, ok := r.executors[key.Kind]
	if !ok {
		logger.Warn("no executor for resource kind, ignoring")
		return
	}

	desired, err := r.server.GetDesired(ctx, key.Kind, key.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if IsNotFound(err) {
			logger.Info("resource no longer exists on the control server, deleting")
			if derr := r.deleteResource(ctx, exec, key); derr != nil {
				r.schedule(key, RetryAfter(derr, r.opts.DefaultRetryDelay), derr)
			}
			return
		}
		logger.WithError(err).Warn("failed to fetch desired spec")
		r.schedule(key, r.opts.FetchRetryDelay, err)
		return
	}

	if err := r.admit(ctx, desired); err != nil {
		logger.WithError(err).Warn("desired resource rejected")
		r.reportStatus(desired, StatusErrored, err.Error())
		r.schedule(key, r.resync, err)
		return
	}

	r.reportStatus(desired, StatusDeploying, trigger)
	logger.Debug("upserting resource")

	err = r.callExecutor(ctx, key, OperationUpsert, func(ctx context.Context) error {
		return exec.Upsert(ctx, desired)
	})
	if err != nil {
		r.reportStatus(desired, StatusErrored, err.Error())
		r.schedule(key, RetryAfter(err, r.opts.DefaultRetryDelay), err)
		return
	}

	r.reportStatus(desired, StatusAfterUpsert(desired), trigger)
	logger.Info("resource reconciled")
}

// admit validates the desired resource and runs the admission policy.
func (r *Runner) admit(ctx context.Context, desired *Resource) error {
	if err := desired.Validate(); err != nil {
		return NewPermanentError("invalid desired resource", err).WithCode(ErrCodeValidation)
	}
	if r.opts.Admitter == nil {
		return nil
	}
	if err := r.opts.Admitter.Admit(ctx, desired); err != nil {
		r.tel.Metrics.RecordAdmissionDenied(string(desired.Kind))
		_ = r.tel.Events.PublishAdmissionDenied(string(desired.Kind), desired.ID.String(), err)
		return NewPermanentError("admission denied", err).WithCode(ErrCodePolicyDenied)
	}
	return nil
}

// deleteResource removes one resource from its executor.
func (r *Runner) deleteResource(ctx context.Context, exec Executor, key Key) error {
	logger := r.logger.WithResource(string(key.Kind), key.ID.String())
	logger.Info("deleting resource")

	err := r.callExecutor(ctx, key, OperationDelete, func(ctx context.Context) error {
		return exec.Delete(ctx, key.ID)
	})
	if err != nil {
		return err
	}

	_ = r.tel.Events.PublishResourceDeleted(string(key.Kind), key.ID.String())
	return nil
}

// callExecutor runs fn with a context that survives shutdown but is bounded by
// the executor timeout, and records its outcome.
func (r *Runner) callExecutor(ctx context.Context, key Key, op Operation, fn func(context.Context) error) error {
	spanCtx, span := r.tel.Tracer.StartReconcileSpan(ctx, string(key.Kind), key.ID.String(), string(op))
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), r.opts.ExecutorTimeout)
	defer cancel()

	timer := telemetry.NewTimer()
	err := fn(callCtx)
	if err != nil {
		err = fmt.Errorf("failed to %s %s: %w", op, key, err)
	}

	r.tel.Metrics.RecordReconcile(string(key.Kind), string(op), timer.Duration(), err)
	telemetry.EndSpan(span, err)
	return err
}

// schedule pushes a retry for key at now+after. Pending entries for key must
// have been removed by the caller.
func (r *Runner) schedule(key Key, after time.Duration, cause error) {
	r.retries.Push(key, r.opts.Now().Add(after))
	r.tel.Metrics.RecordRetryScheduled(string(key.Kind))
	_ = r.tel.Events.PublishRetryScheduled(string(key.Kind), key.ID.String(), after, cause.Error())

	r.logger.WithResource(string(key.Kind), key.ID.String()).
		WithError(cause).
		Warnf("reconciliation failed, retrying in %s", after)
}

func (r *Runner) reportStatus(res *Resource, status Status, reason string) {
	_ = r.tel.Events.PublishResourceStatus(string(res.Kind), res.ID.String(),
		res.WorkspaceID.String(), string(status), reason)
}
