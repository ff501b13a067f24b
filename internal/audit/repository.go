package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const timelineQuery = `SELECT a.occurred_at, COALESCE(a.actor_id, 0), COALESCE(u.email, ''),
       a.action, a.entity, a.entity_id, a.meta
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
  AND ($3::text IS NULL OR lower(u.email) = lower($3))
  AND ($4::text IS NULL OR a.entity = $4)
  AND ($5::text IS NULL OR a.action = $5)
ORDER BY a.occurred_at DESC, a.id DESC
LIMIT NULLIF($6::int, 0) OFFSET $7`

// PGRepository membaca audit timeline dari Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Timeline implements Repository.
func (r *PGRepository) Timeline(ctx context.Context, f TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := r.pool.Query(ctx, timelineQuery,
		toPgTime(f.From), toPgTime(f.To),
		optionalText(f.Actor), optionalText(f.Entity), optionalText(f.Action),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.ActorID, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("audit: decode meta: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
