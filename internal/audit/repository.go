package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed audit reader.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const timelineSelect = `SELECT id, invoice_id, actor_id, action, entity, entity_id,
COALESCE(before_status, ''), COALESCE(after_status, ''), meta, occurred_at
FROM audit_logs
WHERE ($1::uuid IS NULL OR invoice_id = $1)
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at < $3)
  AND ($4::uuid IS NULL OR actor_id = $4)
  AND ($5::text IS NULL OR entity = $5)
  AND ($6::text IS NULL OR action = $6)`

func (r *pgRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	args := append(filterArgs(filters), limit, offset)
	rows, err := r.pool.Query(ctx, timelineSelect+` ORDER BY occurred_at DESC, id DESC LIMIT $7 OFFSET $8`, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (r *pgRepository) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineSelect+` ORDER BY occurred_at, id`, filterArgs(filters)...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func filterArgs(f TimelineFilters) []any {
	return []any{
		optionalUUID(f.InvoiceID),
		optionalTime(f.From),
		optionalTime(f.To),
		optionalUUID(f.Actor),
		optionalText(f.Entity),
		optionalText(f.Action),
	}
}

func optionalUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

func optionalTime(t time.Time) pgtype.Timestamptz {
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

func collectRows(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.ID, &row.InvoiceID, &row.ActorID, &row.Action, &row.Entity, &row.EntityID,
			&row.BeforeStatus, &row.AfterStatus, &meta, &row.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("decode audit meta: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
