package rbac

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// ErrResourceNotFound is returned by a Source for an unknown resource.
var ErrResourceNotFound = errors.New("resource not found")

// Source loads RBAC data.
type Source interface {
	// GetAllWorkspaceRolePermissionsForUser builds the grant snapshot of userID.
	GetAllWorkspaceRolePermissionsForUser(ctx context.Context, userID uuid.UUID) (Grants, error)

	// GetResource returns the type and owner of a resource or ErrResourceNotFound.
	GetResource(ctx context.Context, id uuid.UUID) (*Resource, error)
}

type cacheEntry struct {
	grants   Grants
	loadedAt time.Time
}

// Cache keeps grant snapshots per user until they are invalidated or, with a
// non-zero TTL, expire. Concurrent loads for one user share one Source call.
type Cache struct {
	source  Source
	ttl     time.Duration
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]cacheEntry
	// gen is bumped by every invalidation so loads started before it are not stored.
	gen    uint64
	flight singleflight.Group
}

// NewCache creates a cache over source. metrics may be nil.
func NewCache(source Source, ttl time.Duration, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// Get returns the snapshot of userID, loading it on a miss.
func (c *Cache) Get(ctx context.Context, userID uuid.UUID) (Grants, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	gen := c.gen
	c.mu.RUnlock()

	if ok && (c.ttl <= 0 || c.now().Sub(entry.loadedAt) < c.ttl) {
		c.metrics.RecordSnapshotCache(true)
		return entry.grants, nil
	}
	c.metrics.RecordSnapshotCache(false)

	v, err, _ := c.flight.Do(userID.String(), func() (interface{}, error) {
		grants, err := c.source.GetAllWorkspaceRolePermissionsForUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.entries[userID] = cacheEntry{grants: grants, loadedAt: c.now()}
		}
		c.mu.Unlock()
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Grants), nil
}

// Invalidate drops the snapshot of userID.
func (c *Cache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.gen++
	c.mu.Unlock()
	c.flight.Forget(userID.String())
}

// InvalidateAll drops every snapshot.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	users := make([]uuid.UUID, 0, len(c.entries))
	for id := range c.entries {
		users = append(users, id)
	}
	c.entries = make(map[uuid.UUID]cacheEntry)
	c.gen++
	c.mu.Unlock()
	for _, id := range users {
		c.flight.Forget(id.String())
	}
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
