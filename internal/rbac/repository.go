package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = fmt.Errorf("%w: rbac record", shared.ErrNotFound)

// Repository provides PostgreSQL backed lookups and seeding for roles and permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RoleByName fetches a role by its unique name.
func (r *Repository) RoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, name, description, built_in, created_at, updated_at FROM roles WHERE name = $1`, name).
		Scan(&role.ID, &role.Name, &role.Description, &role.BuiltIn, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// PermissionsForRole lists the permissions linked to roleID.
func (r *Repository) PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, p.resource, p.action, p.description, p.built_in
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1
ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ListPermissions returns all permissions ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource, action, description, built_in FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ApplySeed upserts roles and permissions. Default links are attached only for
// roles the seed creates, so later edits to a built-in role's permission set survive restarts.
func (r *Repository) ApplySeed(ctx context.Context, seed Seed) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		permIDs := make(map[string]int64, len(seed.Permissions))
		for _, p := range seed.Permissions {
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO permissions (name, resource, action, description, built_in)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, built_in = EXCLUDED.built_in
RETURNING id`, p.Name, p.Resource, p.Action, p.Description, p.BuiltIn).Scan(&id)
			if err != nil {
				return fmt.Errorf("rbac: seed permission %s: %w", p.Name, err)
			}
			permIDs[p.Name] = id
		}

		for _, role := range seed.Roles {
			var (
				roleID  int64
				created bool
			)
			err := tx.QueryRow(ctx, `INSERT INTO roles (name, description, built_in)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET built_in = EXCLUDED.built_in
RETURNING id, (xmax = 0)`, role.Name, role.Description, role.BuiltIn).Scan(&roleID, &created)
			if err != nil {
				return fmt.Errorf("rbac: seed role %s: %w", role.Name, err)
			}
			if !created {
				continue
			}
			for _, name := range role.Permissions {
				id, ok := permIDs[name]
				if !ok {
					return fmt.Errorf("rbac: seed role %s references unknown permission %s", role.Name, name)
				}
				if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, id); err != nil {
					return fmt.Errorf("rbac: seed link %s/%s: %w", role.Name, name, err)
				}
			}
		}
		return nil
	})
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	defer rows.Close()
	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.BuiltIn); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
