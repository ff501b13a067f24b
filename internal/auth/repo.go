package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/auth/token"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// ErrEmailTaken is returned when registering an email that already exists.
var ErrEmailTaken = fmt.Errorf("%w: email already registered", shared.ErrConflict)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	Create(ctx context.Context, u NewUser) (*User, error)
	UpdatePassword(ctx context.Context, id int64, hash string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, first_name, last_name, role, password_hash, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindByEmail fetches a user by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
}

// FindByID fetches a user by primary key.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// Create inserts a new active user.
func (r *PGRepository) Create(ctx context.Context, u NewUser) (*User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `INSERT INTO users (email, first_name, last_name, role, password_hash, is_active)
VALUES ($1, $2, $3, $4, $5, TRUE)
RETURNING `+userColumns, strings.ToLower(strings.TrimSpace(u.Email)), u.FirstName, u.LastName, u.Role, u.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil, ErrEmailTaken
			case "23503":
				return nil, fmt.Errorf("%w: role %q does not exist", shared.ErrValidation, u.Role)
			}
		}
		return nil, err
	}
	return user, nil
}

// UpdatePassword replaces the credential hash.
func (r *PGRepository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)

// Subjects adapts a Repository to the refresh-token owner lookup.
type Subjects struct {
	Repo Repository
}

// LoadSubject returns the current token identity of userID. Disabled accounts
// are refused so their refresh tokens cannot be rotated.
func (s Subjects) LoadSubject(ctx context.Context, userID int64) (token.Subject, error) {
	u, err := s.Repo.FindByID(ctx, userID)
	if err != nil {
		return token.Subject{}, err
	}
	if !u.IsActive {
		return token.Subject{}, shared.UnauthorizedError("account disabled")
	}
	return u.Subject(), nil
}
