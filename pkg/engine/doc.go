// Package engine provides the reconciliation core of the Stratus runner.
//
// # Overview
//
// A Runner keeps the live state of one or more executors convergent with the
// desired state declared by a control server. It reacts to four event sources,
// raced in a single goroutine:
//
//  1. Shutdown - cancellation of the context passed to Run
//  2. Resync timer - a full reconciliation every FullReconciliationInterval
//  3. Push stream - the control server names one changed resource
//  4. Retry queue - the earliest pending retry deadline
//
// # Core Domain Types
//
//   - Kind: the closed set of resource kinds (deployment, static_site, database, managed_url)
//   - Resource: the desired state of one resource, with one spec per kind
//   - Status: the live status reported back to the control server
//   - Event: a push message naming one resource
//   - Task: a pending retry in the RetryQueue
//
// # Executor Interface
//
// Each backend implements the Executor interface for one kind:
//
//	type Executor interface {
//	    Kind() Kind
//	    ListRunning(ctx context.Context) iter.Seq2[uuid.UUID, error]
//	    Upsert(ctx context.Context, r *Resource) error
//	    Delete(ctx context.Context, id uuid.UUID) error
//	    FullReconciliationInterval() time.Duration
//	}
//
// Upsert and Delete are idempotent. A failure may carry the backoff the
// executor wants via Retry:
//
//	return engine.Retry(30*time.Second, err)
//
// # Full Reconciliation
//
// For every kind the runner fetches the desired IDs, walks the live IDs,
// deletes those that are not desired and reconciles those that are, then
// reconciles the desired IDs never seen live. A failed desired-list fetch
// skips the kind until the next sweep. After a failed delete the FailFast
// policy ends the sweep of that kind while BestEffort continues.
//
// # Error Classification
//
//   - Transient: executor or fetch failures, retried with backoff
//   - Connection: stream connection failures, retried at a fixed interval
//   - NotFound: the control server no longer knows the resource, which is deleted
//   - Permanent: invalid or policy-denied resources, retried at the resync interval
//   - Fatal: startup failures that end the process
//
// # Status Reporting
//
// Status transitions (deploying, running, stopped, errored) are published on the
// telemetry event bus; reporting them to the control server happens out of band.
package engine
