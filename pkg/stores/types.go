package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// ErrNotFound is returned when a resource has no local record.
var ErrNotFound = errors.New("resource not found in local store")

// Record is the local trace of one reconciled resource.
type Record struct {
	// Seq is the insertion sequence number; it orders listings.
	Seq         int64       `json:"seq"`
	ID          uuid.UUID   `json:"id"`
	Kind        engine.Kind `json:"kind"`
	WorkspaceID uuid.UUID   `json:"workspace_id"`
	// SpecHash identifies the desired spec last applied.
	SpecHash  string    `json:"spec_hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceStore is a single-writer local store of reconciled resources.
type ResourceStore interface {
	// ListIDs returns the IDs of every recorded resource of kind, in insertion order.
	ListIDs(ctx context.Context, kind engine.Kind) ([]uuid.UUID, error)

	// List returns the records of kind, in insertion order. An empty kind lists all.
	List(ctx context.Context, kind engine.Kind) ([]Record, error)

	// Get returns the record of one resource or ErrNotFound.
	Get(ctx context.Context, kind engine.Kind, id uuid.UUID) (*Record, error)

	// Put inserts or updates the record of r.
	Put(ctx context.Context, r *engine.Resource) error

	// Delete removes the record of one resource. Deleting a missing record succeeds.
	Delete(ctx context.Context, kind engine.Kind, id uuid.UUID) error

	// HealthCheck verifies the store is usable.
	HealthCheck(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// SpecHash returns a stable digest of the desired spec of r.
func SpecHash(r *engine.Resource) (string, error) {
	cp := *r
	cp.Status = ""
	b, err := json.Marshal(&cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
