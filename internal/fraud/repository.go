package fraud

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

// Repository persists fraud incidents.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListIncidents(ctx context.Context, invoiceID uuid.UUID) ([]Incident, error)
}

// TxRepository is the transactional view used while recording a score.
type TxRepository interface {
	LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	SetFraudScore(ctx context.Context, id uuid.UUID, score float64) error
	InsertAudit(ctx context.Context, entry shared.AuditEntry) error
	LatestIncident(ctx context.Context, invoiceID uuid.UUID) (*Incident, error)
	InsertIncident(ctx context.Context, incident Incident) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed incident repository.
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

func (r *pgRepository) ListIncidents(ctx context.Context, invoiceID uuid.UUID) ([]Incident, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, score, signals, created_at FROM fraud_incidents
WHERE invoice_id = $1 ORDER BY created_at DESC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (t *pgTx) LatestIncident(ctx context.Context, invoiceID uuid.UUID) (*Incident, error) {
	inc, err := scanIncident(t.tx.QueryRow(ctx, `SELECT id, invoice_id, score, signals, created_at FROM fraud_incidents
WHERE invoice_id = $1 ORDER BY created_at DESC LIMIT 1`, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (t *pgTx) InsertIncident(ctx context.Context, incident Incident) error {
	signals, err := json.Marshal(incident.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO fraud_incidents (id, invoice_id, score, signals, created_at) VALUES ($1, $2, $3, $4, $5)`,
		incident.ID, incident.InvoiceID, incident.Score, signals, incident.CreatedAt)
	return err
}

func scanIncident(row pgx.Row) (Incident, error) {
	var (
		inc     Incident
		signals []byte
	)
	if err := row.Scan(&inc.ID, &inc.InvoiceID, &inc.Score, &signals, &inc.CreatedAt); err != nil {
		return Incident{}, err
	}
	if err := json.Unmarshal(signals, &inc.Signals); err != nil {
		return Incident{}, fmt.Errorf("decode signals: %w", err)
	}
	return inc, nil
}
