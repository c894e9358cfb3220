package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository persists match results.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Latest(ctx context.Context, invoiceID uuid.UUID) (Result, error)
	History(ctx context.Context, invoiceID uuid.UUID) ([]Result, error)
}

// TxRepository is the transactional view used while recording a match.
type TxRepository interface {
	LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to ap.Status) error
	InsertAudit(ctx context.Context, entry shared.AuditEntry) error
	InsertResult(ctx context.Context, res Result) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed match result repository.
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

func (t *pgTx) InsertResult(ctx context.Context, res Result) error {
	lines, err := json.Marshal(res.Lines)
	if err != nil {
		return fmt.Errorf("encode match lines: %w", err)
	}
	excs, err := json.Marshal(res.Exceptions)
	if err != nil {
		return fmt.Errorf("encode match exceptions: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO match_results (id, invoice_id, tolerance_version, match_type, status, invoice_amount,
po_amount, amount_variance, variance_pct, lines, exceptions, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		res.ID, res.InvoiceID, res.ToleranceVersion, string(res.Type), string(res.Status), res.InvoiceAmount,
		res.POAmount, res.AmountVariance, res.VariancePct, lines, excs, res.CreatedAt)
	return err
}

const resultColumns = `id, invoice_id, tolerance_version, match_type, status, invoice_amount, po_amount,
amount_variance, variance_pct, lines, exceptions, created_at`

func (r *pgRepository) Latest(ctx context.Context, invoiceID uuid.UUID) (Result, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM match_results
WHERE invoice_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, invoiceID)
	res, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, shared.NotFound("matching.Latest", "match result for invoice", invoiceID)
	}
	return res, err
}

func (r *pgRepository) History(ctx context.Context, invoiceID uuid.UUID) ([]Result, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+resultColumns+` FROM match_results
WHERE invoice_id = $1 ORDER BY created_at DESC, id DESC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanResult(row pgx.Row) (Result, error) {
	var (
		res              Result
		matchType        string
		status           string
		lines, exception []byte
	)
	if err := row.Scan(&res.ID, &res.InvoiceID, &res.ToleranceVersion, &matchType, &status, &res.InvoiceAmount,
		&res.POAmount, &res.AmountVariance, &res.VariancePct, &lines, &exception, &res.CreatedAt); err != nil {
		return Result{}, err
	}
	res.Type = Type(matchType)
	res.Status = Status(status)
	if err := json.Unmarshal(lines, &res.Lines); err != nil {
		return Result{}, fmt.Errorf("decode match lines: %w", err)
	}
	if err := json.Unmarshal(exception, &res.Exceptions); err != nil {
		return Result{}, fmt.Errorf("decode match exceptions: %w", err)
	}
	return res, nil
}
