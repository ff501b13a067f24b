package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// ErrUnknownRole is returned when assigning a role that does not exist.
var ErrUnknownRole = &shared.ValidationError{Fields: map[string]string{"role": "unknown role"}}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, first_name, last_name, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func buildFilter(f ListFilters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Role != "" {
		args = append(args, f.Role)
		clauses = append(clauses, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		clauses = append(clauses, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListUsers returns one page of users ordered by id and the total match count.
func (r *Repository) ListUsers(ctx context.Context, f ListFilters) ([]User, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	p := shared.NewPagination(f.Page, f.Limit, total)
	args = append(args, p.PerPage, p.Offset())
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY id LIMIT $%d OFFSET $%d`, userColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetUser fetches a single user.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// SetActive flips the is_active flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns, id, active))
}

// SetRole assigns role to the user. The role must exist.
func (r *Repository) SetRole(ctx context.Context, id int64, role string) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns, id, role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return User{}, ErrUnknownRole
		}
		return User{}, err
	}
	return u, nil
}
