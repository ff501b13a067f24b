package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

var (
	// ErrRoleExists is returned when creating a duplicate role.
	ErrRoleExists = fmt.Errorf("%w: role already exists", shared.ErrConflict)
	// ErrRoleInUse is returned when deleting a role still assigned to users.
	ErrRoleInUse = fmt.Errorf("%w: role is assigned to users", shared.ErrConflict)
)

// UnknownPermissionsError lists permission names that do not exist.
type UnknownPermissionsError struct {
	Names []string
}

func (e *UnknownPermissionsError) Error() string {
	return fmt.Sprintf("unknown permissions: %v", e.Names)
}

func (e *UnknownPermissionsError) Unwrap() error { return shared.ErrValidation }

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, description, built_in, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.BuiltIn, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role by name.
func (r *Repository) GetRole(ctx context.Context, name string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// CreateRole inserts a new custom role.
func (r *Repository) CreateRole(ctx context.Context, in CreateInput) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `INSERT INTO roles (name, description, built_in) VALUES ($1, $2, FALSE) RETURNING `+roleColumns, in.Name, in.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Role{}, ErrRoleExists
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role and its permission links.
func (r *Repository) DeleteRole(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE name = $1`, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrRoleInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RolePermissions lists the permissions linked to the named role.
func (r *Repository) RolePermissions(ctx context.Context, name string) ([]rbac.Permission, error) {
	role, err := r.GetRole(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, p.resource, p.action, p.description, p.built_in
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
WHERE rp.role_id = $1
ORDER BY p.name`, role.ID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ReplacePermissions swaps the whole permission set of a role in one transaction.
func (r *Repository) ReplacePermissions(ctx context.Context, name string, perms []string) ([]rbac.Permission, error) {
	var out []rbac.Permission
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		role, err := scanRole(tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1 FOR UPDATE`, name))
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, name, resource, action, description, built_in FROM permissions WHERE name = ANY($1) ORDER BY name`, perms)
		if err != nil {
			return err
		}
		found, err := collectPermissions(rows)
		if err != nil {
			return err
		}
		if missing := missingNames(perms, found); len(missing) > 0 {
			return &UnknownPermissionsError{Names: missing}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		for _, p := range found {
			if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, role.ID, p.ID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, role.ID); err != nil {
			return err
		}
		out = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func missingNames(want []string, found []rbac.Permission) []string {
	have := make(map[string]struct{}, len(found))
	for _, p := range found {
		have[p.Name] = struct{}{}
	}
	var missing []string
	for _, n := range want {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

func collectPermissions(rows pgx.Rows) ([]rbac.Permission, error) {
	defer rows.Close()
	perms := []rbac.Permission{}
	for rows.Next() {
		var p rbac.Permission
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
