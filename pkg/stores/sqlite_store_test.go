package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-paas/stratus/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLiteStore(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDeployment(tag string) *engine.Resource {
	return &engine.Resource{
		ID:          uuid.New(),
		Kind:        engine.KindDeployment,
		WorkspaceID: uuid.New(),
		Deployment: &engine.DeploymentSpec{
			ImageName:          "app",
			ImageTag:           tag,
			MinHorizontalScale: 1,
			MaxHorizontalScale: 1,
		},
	}
}

func testStaticSite() *engine.Resource {
	return &engine.Resource{
		ID:          uuid.New(),
		Kind:        engine.KindStaticSite,
		WorkspaceID: uuid.New(),
		StaticSite:  &engine.StaticSiteSpec{UploadID: uuid.New()},
	}
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	version, dirty, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("failed to read migration version: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestSQLiteStoreOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, second, third := testDeployment("v1"), testDeployment("v1"), testDeployment("v1")
	site := testStaticSite()
	for _, r := range []*engine.Resource{first, site, second, third} {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("failed to put %s: %v", r.Key(), err)
		}
	}

	// Updating keeps the original position.
	first.Deployment.ImageTag = "v2"
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	ids, err := store.ListIDs(ctx, engine.KindDeployment)
	if err != nil {
		t.Fatalf("failed to list ids: %v", err)
	}
	want := []uuid.UUID{first.ID, second.ID, third.ID}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], ids[i])
		}
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 records, got %d", len(all))
	}
	if all[1].ID != site.ID || all[1].Kind != engine.KindStaticSite {
		t.Errorf("expected static site second, got %s/%s", all[1].Kind, all[1].ID)
	}
}

func TestSQLiteStoreGetAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	r := testDeployment("v1")
	if err := store.Put(ctx, r); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	rec, err := store.Get(ctx, r.Kind, r.ID)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if rec.WorkspaceID != r.WorkspaceID {
		t.Errorf("expected workspace %s, got %s", r.WorkspaceID, rec.WorkspaceID)
	}
	hash, _ := SpecHash(r)
	if rec.SpecHash != hash {
		t.Errorf("expected spec hash %s, got %s", hash, rec.SpecHash)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	// The kind is part of the key.
	if _, err := store.Get(ctx, engine.KindDatabase, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other kind, got %v", err)
	}

	if err := store.Delete(ctx, r.Kind, r.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := store.Get(ctx, r.Kind, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, r.Kind, r.ID); err != nil {
		t.Errorf("deleting a missing record should succeed: %v", err)
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratus.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	r := testDeployment("v1")
	if err := store.Put(ctx, r); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := OpenSQLiteStore(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	ids, err := reopened.ListIDs(ctx, engine.KindDeployment)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(ids) != 1 || ids[0] != r.ID {
		t.Errorf("expected [%s], got %v", r.ID, ids)
	}
}

func TestSpecHashIgnoresStatus(t *testing.T) {
	r := testDeployment("v1")
	before, err := SpecHash(r)
	if err != nil {
		t.Fatal(err)
	}

	r.Status = engine.StatusRunning
	after, _ := SpecHash(r)
	if before != after {
		t.Error("status changed the spec hash")
	}

	r.Deployment.ImageTag = "v2"
	changed, _ := SpecHash(r)
	if changed == before {
		t.Error("spec change did not change the hash")
	}
}

func TestSQLiteStoreUpdatedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return base }

	r := testDeployment("v1")
	if err := store.Put(ctx, r); err != nil {
		t.Fatal(err)
	}
	store.now = func() time.Time { return base.Add(time.Hour) }
	if err := store.Put(ctx, r); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, r.Kind, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.CreatedAt.Equal(base) {
		t.Errorf("expected created_at %s, got %s", base, rec.CreatedAt)
	}
	if !rec.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("expected updated_at %s, got %s", base.Add(time.Hour), rec.UpdatedAt)
	}
}
