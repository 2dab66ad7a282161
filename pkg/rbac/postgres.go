package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres source.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	// ConnectRetries bounds how often the initial ping is retried.
	ConnectRetries int
}

// PostgresSource reads RBAC tables from the control server database.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// OpenPostgresSource connects to Postgres, retrying the first ping with
// exponential backoff until ctx ends.
func OpenPostgresSource(ctx context.Context, cfg PostgresConfig) (*PostgresSource, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	delay := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if attempt >= cfg.ConnectRetries {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("postgres connect canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, 5*time.Second)
	}

	return &PostgresSource{pool: pool}, nil
}

// NewPostgresSource wraps an existing pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Close closes the pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadRegistry reads the resource_type and permission tables.
func (s *PostgresSource) LoadRegistry(ctx context.Context, godUserID uuid.UUID) (*Registry, error) {
	types, err := s.nameIndex(ctx, `SELECT name, id FROM resource_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource types: %w", err)
	}
	perms, err := s.nameIndex(ctx, `SELECT name, id FROM permission`)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	return NewRegistry(godUserID, types, perms), nil
}

func (s *PostgresSource) nameIndex(ctx context.Context, query string) (map[string]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID)
	for rows.Next() {
		var (
			name string
			id   uuid.UUID
		)
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// GetResource returns the type and owner of a resource.
func (s *PostgresSource) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	var (
		r      Resource
		typeID uuid.NullUUID
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, resource_type_id, owner_id FROM resource WHERE id = $1`, id,
	).Scan(&r.ID, &typeID, &r.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resource: %w", err)
	}
	if typeID.Valid {
		r.ResourceTypeID = typeID.UUID
	}
	return &r, nil
}

const (
	membershipQuery = `
		SELECT workspace_id, role_id
		FROM workspace_user
		WHERE user_id = $1
		ORDER BY workspace_id`

	resourceGrantQuery = `
		SELECT g.role_id, g.permission_id, g.resource_id, FALSE
		FROM role_resource_permissions_include g
		WHERE g.role_id IN (SELECT role_id FROM workspace_user WHERE user_id = $1)
		UNION ALL
		SELECT g.role_id, g.permission_id, g.resource_id, TRUE
		FROM role_resource_permissions_exclude g
		WHERE g.role_id IN (SELECT role_id FROM workspace_user WHERE user_id = $1)`

	typeGrantQuery = `
		SELECT g.role_id, g.permission_id, g.resource_type_id
		FROM role_resource_permissions_type g
		WHERE g.role_id IN (SELECT role_id FROM workspace_user WHERE user_id = $1)`

	superAdminQuery = `
		SELECT id
		FROM workspace
		WHERE super_admin_id = $1`
)

// GetAllWorkspaceRolePermissionsForUser reads the memberships and role grants of
// userID in one repeatable-read transaction and folds them into a snapshot.
func (s *PostgresSource) GetAllWorkspaceRolePermissionsForUser(ctx context.Context, userID uuid.UUID) (Grants, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	memberships, err := collect(ctx, tx, membershipQuery, userID, func(row pgx.CollectableRow) (Membership, error) {
		var m Membership
		err := row.Scan(&m.WorkspaceID, &m.RoleID)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}

	resourceGrants, err := collect(ctx, tx, resourceGrantQuery, userID, func(row pgx.CollectableRow) (ResourceGrant, error) {
		var g ResourceGrant
		err := row.Scan(&g.RoleID, &g.PermissionID, &g.ResourceID, &g.Exclude)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query resource grants: %w", err)
	}

	typeGrants, err := collect(ctx, tx, typeGrantQuery, userID, func(row pgx.CollectableRow) (TypeGrant, error) {
		var g TypeGrant
		err := row.Scan(&g.RoleID, &g.PermissionID, &g.ResourceTypeID)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query resource type grants: %w", err)
	}

	superAdminOf, err := collect(ctx, tx, superAdminQuery, userID, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to query owned workspaces: %w", err)
	}

	return Fold(memberships, resourceGrants, typeGrants, superAdminOf), nil
}

func collect[T any](ctx context.Context, tx pgx.Tx, query string, userID uuid.UUID, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}
