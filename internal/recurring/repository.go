package recurring

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository persists vendor patterns.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// ActivePattern returns nil when the vendor has no active pattern.
	ActivePattern(ctx context.Context, vendorID uuid.UUID) (*Pattern, error)
}

// TxRepository covers pattern and invoice writes in one transaction.
type TxRepository interface {
	LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	SetRecurring(ctx context.Context, id uuid.UUID, recurring bool, patternID *uuid.UUID) error
	InsertAudit(ctx context.Context, entry shared.AuditEntry) error
	// DeactivatePatterns retires the vendor's active pattern and returns it.
	DeactivatePatterns(ctx context.Context, vendorID uuid.UUID) (*Pattern, error)
	InsertPattern(ctx context.Context, p Pattern) error
	UpdateAutoFastTrack(ctx context.Context, vendorID uuid.UUID, on bool, at time.Time) (Pattern, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed pattern repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTx struct {
	*ap.TxStore
	tx pgx.Tx
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{TxStore: ap.NewTxStore(tx), tx: tx})
	})
}

const patternColumns = `id, vendor_id, avg_amount, tolerance_pct, auto_fast_track, frequency_days, sample_size, active, created_at, updated_at`

func scanPattern(row pgx.Row) (Pattern, error) {
	var p Pattern
	err := row.Scan(&p.ID, &p.VendorID, &p.AvgAmount, &p.TolerancePct, &p.AutoFastTrack, &p.FrequencyDays,
		&p.SampleSize, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *pgRepository) ActivePattern(ctx context.Context, vendorID uuid.UUID) (*Pattern, error) {
	p, err := scanPattern(r.pool.QueryRow(ctx, `SELECT `+patternColumns+` FROM recurring_patterns
WHERE vendor_id = $1 AND active`, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) DeactivatePatterns(ctx context.Context, vendorID uuid.UUID) (*Pattern, error) {
	p, err := scanPattern(t.tx.QueryRow(ctx, `UPDATE recurring_patterns SET active = false, updated_at = NOW()
WHERE vendor_id = $1 AND active
RETURNING `+patternColumns, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) InsertPattern(ctx context.Context, p Pattern) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO recurring_patterns (`+patternColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.VendorID, p.AvgAmount, p.TolerancePct, p.AutoFastTrack, p.FrequencyDays, p.SampleSize, p.Active, p.CreatedAt, p.UpdatedAt)
	if shared.IsUniqueViolation(err) {
		return shared.Conflict("recurring.InsertPattern", "vendor %s already has an active pattern", p.VendorID)
	}
	return err
}

func (t *pgTx) UpdateAutoFastTrack(ctx context.Context, vendorID uuid.UUID, on bool, at time.Time) (Pattern, error) {
	p, err := scanPattern(t.tx.QueryRow(ctx, `UPDATE recurring_patterns SET auto_fast_track = $2, updated_at = $3
WHERE vendor_id = $1 AND active
RETURNING `+patternColumns, vendorID, on, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return Pattern{}, shared.NotFound("recurring.UpdateAutoFastTrack", "recurring pattern for vendor", vendorID)
	}
	return p, err
}
