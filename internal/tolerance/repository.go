package tolerance

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed tolerance repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const configColumns = `version, amount_pct, amount_abs, qty_abs, qty_pct, auto_approve_ceiling, status, note,
created_by, created_at, published_by, published_at`

func scanConfig(row pgx.Row) (Config, error) {
	var (
		cfg    Config
		status string
	)
	err := row.Scan(&cfg.Version, &cfg.AmountPct, &cfg.AmountAbs, &cfg.QtyAbs, &cfg.QtyPct, &cfg.AutoApproveCeiling,
		&status, &cfg.Note, &cfg.CreatedBy, &cfg.CreatedAt, &cfg.PublishedBy, &cfg.PublishedAt)
	cfg.Status = Status(status)
	return cfg, err
}

func (r *pgRepository) Active(ctx context.Context) (Config, error) {
	cfg, err := scanConfig(r.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM tolerance_configs WHERE status = 'published'`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, shared.NotFound("tolerance.Active", "published tolerance", "version")
	}
	return cfg, err
}

func (r *pgRepository) Get(ctx context.Context, version int64) (Config, error) {
	cfg, err := scanConfig(r.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM tolerance_configs WHERE version = $1`, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, shared.NotFound("tolerance.Get", "tolerance version", version)
	}
	return cfg, err
}

func (r *pgRepository) List(ctx context.Context) ([]Config, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+configColumns+` FROM tolerance_configs ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *pgRepository) CreateDraft(ctx context.Context, cfg Config) (Config, error) {
	return scanConfig(r.pool.QueryRow(ctx, `INSERT INTO tolerance_configs
(version, amount_pct, amount_abs, qty_abs, qty_pct, auto_approve_ceiling, status, note, created_by, created_at)
VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM tolerance_configs), $1, $2, $3, $4, $5, 'draft', $6, $7, $8)
RETURNING `+configColumns,
		cfg.AmountPct, cfg.AmountAbs, cfg.QtyAbs, cfg.QtyPct, cfg.AutoApproveCeiling, cfg.Note, cfg.CreatedBy, cfg.CreatedAt))
}

func (r *pgRepository) Publish(ctx context.Context, version int64, actorID uuid.UUID, at time.Time) (Config, error) {
	var out Config
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM tolerance_configs WHERE version = $1 FOR UPDATE`, version).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return shared.NotFound("tolerance.Publish", "tolerance version", version)
			}
			return err
		}
		if Status(status) != StatusDraft {
			return shared.Conflict("tolerance.Publish", "version %d is %s, only drafts can be published", version, status)
		}
		if _, err := tx.Exec(ctx, `UPDATE tolerance_configs SET status = 'retired' WHERE status = 'published'`); err != nil {
			return err
		}
		cfg, err := scanConfig(tx.QueryRow(ctx, `UPDATE tolerance_configs SET status = 'published', published_by = $2, published_at = $3
WHERE version = $1 RETURNING `+configColumns, version, actorID, at))
		if err != nil {
			return err
		}
		out = cfg
		return shared.InsertAudit(ctx, tx, shared.AuditEntry{
			ActorID:      actorID,
			Action:       "tolerance_published",
			Entity:       "tolerance",
			EntityID:     strconv.FormatInt(cfg.Version, 10),
			BeforeStatus: string(StatusDraft),
			AfterStatus:  string(StatusPublished),
			At:           at,
		})
	})
	return out, err
}
