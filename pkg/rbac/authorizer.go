package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Request is one authorization question.
type Request struct {
	UserID      uuid.UUID `json:"user_id" binding:"required"`
	WorkspaceID uuid.UUID `json:"workspace_id" binding:"required"`
	Permission  string    `json:"permission" binding:"required"`
	ResourceID  uuid.UUID `json:"resource_id" binding:"required"`
}

// Decision is the answer to a Request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Authorizer answers authorization requests against cached grant snapshots.
type Authorizer struct {
	registry *Registry
	source   Source
	cache    *Cache
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
}

// NewAuthorizer creates an authorizer. metrics and logger may be nil.
func NewAuthorizer(registry *Registry, source Source, cache *Cache, metrics *telemetry.Metrics, logger *telemetry.Logger) *Authorizer {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Authorizer{
		registry: registry,
		source:   source,
		cache:    cache,
		metrics:  metrics,
		logger:   logger.NewComponentLogger("rbac"),
	}
}

// Cache returns the snapshot cache, for invalidation.
func (a *Authorizer) Cache() *Cache {
	return a.cache
}

// Authorize decides req. Missing permission is a deny, not an error; errors
// are reserved for failures to load data.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	d, err := a.decide(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	a.metrics.RecordAuthorization(d.Allowed)
	a.logger.WithFields(map[string]interface{}{
		"user_id":      req.UserID.String(),
		"workspace_id": req.WorkspaceID.String(),
		"resource_id":  req.ResourceID.String(),
		"permission":   req.Permission,
		"allowed":      d.Allowed,
	}).Debug(d.Reason)
	return d, nil
}

func (a *Authorizer) decide(ctx context.Context, req Request) (Decision, error) {
	if a.registry.IsGodUser(req.UserID) {
		return Decision{Allowed: true, Reason: "god user"}, nil
	}

	permission, ok := a.registry.PermissionID(req.Permission)
	if !ok {
		return Decision{Reason: "unknown permission"}, nil
	}

	resource, err := a.source.GetResource(ctx, req.ResourceID)
	if errors.Is(err, ErrResourceNotFound) {
		return Decision{Reason: "unknown resource"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load resource %s: %w", req.ResourceID, err)
	}
	if resource.OwnerID != req.WorkspaceID {
		return Decision{Reason: "resource not owned by workspace"}, nil
	}

	grants, err := a.cache.Get(ctx, req.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load permissions of user %s: %w", req.UserID, err)
	}

	if HasPermission(grants, req.WorkspaceID, permission, *resource) {
		return Decision{Allowed: true, Reason: "granted"}, nil
	}
	return Decision{Reason: "not granted"}, nil
}
