package engine

import (
	"fmt"
)

// Status represents the live status of a resource as observed by the runner.
type Status string

const (
	// StatusCreated indicates the resource exists on the control server but has never been applied.
	StatusCreated Status = "created"

	// StatusDeploying indicates the runner is applying the desired state.
	StatusDeploying Status = "deploying"

	// StatusRunning indicates the resource is applied and serving.
	StatusRunning Status = "running"

	// StatusStopped indicates the resource is applied with zero replicas.
	StatusStopped Status = "stopped"

	// StatusErrored indicates the last reconciliation failed.
	StatusErrored Status = "errored"

	// StatusUnreachable indicates the runner cannot reach the backend of the resource.
	StatusUnreachable Status = "unreachable"
)

// IsTerminal returns true if no reconciliation is in progress for the status.
func (s Status) IsTerminal() bool {
	return s == StatusRunning || s == StatusStopped || s == StatusErrored
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusCreated, StatusDeploying, StatusRunning,
		StatusStopped, StatusErrored, StatusUnreachable:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// StatusAfterUpsert is the status reported after a successful upsert.
func StatusAfterUpsert(r *Resource) Status {
	if r.Kind == KindDeployment && r.Deployment != nil && r.Deployment.MaxHorizontalScale == 0 {
		return StatusStopped
	}
	return StatusRunning
}

// Operation names an executor call.
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// FailurePolicy decides what a full reconciliation does after a failed delete.
type FailurePolicy string

const (
	// FailFast stops the sweep for the kind at the first failed delete. The
	// remaining live and desired resources are left for the next sweep.
	FailFast FailurePolicy = "fail_fast"

	// BestEffort schedules a retry for the failed delete and continues the sweep.
	BestEffort FailurePolicy = "best_effort"
)

// Validate checks if the policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailFast, BestEffort:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}
