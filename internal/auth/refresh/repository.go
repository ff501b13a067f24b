package refresh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
)

const uniqueViolation = "23505"

// Record is one persisted refresh token.
type Record struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Repository is the storage contract behind Store.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	// FindForUpdate loads and locks a row for the rest of the transaction.
	// It returns ErrNotFound when no row matches.
	FindForUpdate(ctx context.Context, token string) (Record, error)
	Delete(ctx context.Context, token string) (int64, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
}

// SQLRepository implements Repository on database/sql.
type SQLRepository struct {
	conn *sql.DB
	q    db.DBTX
}

// NewSQLRepository binds the repository to conn.
func NewSQLRepository(conn *sql.DB) *SQLRepository {
	return &SQLRepository{conn: conn, q: conn}
}

// WithTx runs fn with a repository bound to a single transaction.
func (r *SQLRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.conn == nil {
		return fn(ctx, r)
	}
	return db.WithSQLTx(ctx, r.conn, nil, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, &SQLRepository{q: tx})
	})
}

func (r *SQLRepository) Insert(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.q.ExecContext(ctx, query, rec.Token, rec.UserID, rec.ExpiresAt, rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("refresh: insert: %w", err)
	}
	return nil
}

func (r *SQLRepository) FindForUpdate(ctx context.Context, token string) (Record, error) {
	const query = `
		SELECT token, user_id, expires_at, created_at
		FROM refresh_tokens
		WHERE token = $1
		FOR UPDATE
	`
	var rec Record
	err := r.q.QueryRowContext(ctx, query, token).Scan(&rec.Token, &rec.UserID, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("refresh: find: %w", err)
	}
	return rec, nil
}

func (r *SQLRepository) Delete(ctx context.Context, token string) (int64, error) {
	const query = `
		DELETE FROM refresh_tokens
		WHERE token = $1
	`
	return r.exec(ctx, "delete", query, token)
}

func (r *SQLRepository) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	const query = `
		DELETE FROM refresh_tokens
		WHERE user_id = $1
	`
	return r.exec(ctx, "delete by user", query, userID)
}

func (r *SQLRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		DELETE FROM refresh_tokens
		WHERE expires_at <= $1
	`
	return r.exec(ctx, "delete expired", query, now)
}

func (r *SQLRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("refresh: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("refresh: %s rows: %w", op, err)
	}
	return n, nil
}
