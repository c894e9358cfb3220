package ap

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository defines invoice data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, error)
	VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]Invoice, error)
}

// TxRepository defines invoice writes within a transaction.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) error
	LockInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	SetFraudScore(ctx context.Context, id uuid.UUID, score float64) error
	SetRecurring(ctx context.Context, id uuid.UUID, recurring bool, patternID *uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	InsertAudit(ctx context.Context, entry shared.AuditEntry) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*TxStore)(nil)
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed invoice repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

const invoiceColumns = `id, number, vendor_id, purchase_order_id, currency, total, department, category, invoice_date,
status, fraud_score, recurring, recurring_pattern_id, created_at, updated_at, deleted_at`

func (r *pgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return loadInvoice(ctx, r.pool, id, false)
}

func (r *pgRepository) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE deleted_at IS NULL
  AND ($1 = '' OR status = $1)
  AND ($2::uuid IS NULL OR vendor_id = $2)
ORDER BY created_at DESC
LIMIT $3`, string(filter.Status), nullableUUID(filter.VendorID), limit)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}

func (r *pgRepository) VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE vendor_id = $1 AND invoice_date >= $2 AND deleted_at IS NULL
ORDER BY invoice_date`, vendorID, since)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}

// TxStore implements TxRepository against an open transaction so other
// packages can write invoice state inside their own transactions.
type TxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps tx.
func NewTxStore(tx pgx.Tx) *TxStore {
	return &TxStore{tx: tx}
}

func (s *TxStore) InsertInvoice(ctx context.Context, inv Invoice) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO invoices (id, number, vendor_id, purchase_order_id, currency, total, department, category,
invoice_date, status, recurring, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11, $11)`,
		inv.ID, inv.Number, inv.VendorID, inv.PurchaseOrderID, inv.Currency, inv.Total, inv.Department, inv.Category,
		inv.InvoiceDate, string(inv.Status), inv.CreatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return shared.Conflict("ap.InsertInvoice", "invoice %s already registered for vendor", inv.Number)
		}
		return err
	}
	batch := &pgx.Batch{}
	for _, line := range inv.Lines {
		batch.Queue(`INSERT INTO invoice_lines (id, invoice_id, line_no, description, quantity, unit_price, line_total, po_line_no)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			line.ID, inv.ID, line.LineNo, line.Description, line.Quantity, line.UnitPrice, line.LineTotal, line.POLineNo)
	}
	return s.tx.SendBatch(ctx, batch).Close()
}

func (s *TxStore) LockInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return loadInvoice(ctx, s.tx, id, true)
}

func (s *TxStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	if err := CheckTransition("ap.UpdateStatus", from, to); err != nil {
		return err
	}
	tag, err := s.tx.Exec(ctx, `UPDATE invoices SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2 AND deleted_at IS NULL`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.Conflict("ap.UpdateStatus", "invoice %s is no longer %s", id, from)
	}
	return nil
}

func (s *TxStore) SetFraudScore(ctx context.Context, id uuid.UUID, score float64) error {
	return s.execOne(ctx, "ap.SetFraudScore", id, `UPDATE invoices SET fraud_score = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, score)
}

func (s *TxStore) SetRecurring(ctx context.Context, id uuid.UUID, recurring bool, patternID *uuid.UUID) error {
	return s.execOne(ctx, "ap.SetRecurring", id, `UPDATE invoices SET recurring = $2, recurring_pattern_id = $3, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, recurring, patternID)
}

func (s *TxStore) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, "ap.SoftDelete", id, `UPDATE invoices SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
}

func (s *TxStore) InsertAudit(ctx context.Context, entry shared.AuditEntry) error {
	return shared.InsertAudit(ctx, s.tx, entry)
}

func (s *TxStore) execOne(ctx context.Context, op string, id uuid.UUID, sql string, args ...any) error {
	tag, err := s.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound(op, "invoice", id)
	}
	return nil
}

func loadInvoice(ctx context.Context, q querier, id uuid.UUID, lock bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND deleted_at IS NULL`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, shared.NotFound("ap.GetInvoice", "invoice", id)
		}
		return Invoice{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, line_no, description, quantity, unit_price, line_total, po_line_no
FROM invoice_lines WHERE invoice_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.LineNo, &line.Description, &line.Quantity, &line.UnitPrice, &line.LineTotal, &line.POLineNo); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv    Invoice
		status string
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.VendorID, &inv.PurchaseOrderID, &inv.Currency, &inv.Total,
		&inv.Department, &inv.Category, &inv.InvoiceDate, &status, &inv.FraudScore, &inv.Recurring,
		&inv.RecurringPatternID, &inv.CreatedAt, &inv.UpdatedAt, &inv.DeletedAt)
	inv.Status = Status(status)
	return inv, err
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
