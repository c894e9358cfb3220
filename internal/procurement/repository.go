package procurement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository reads procurement records owned by the purchasing system.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPurchaseOrder returns purchase order and lines.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	var (
		po     PurchaseOrder
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, vendor_id, status, currency, created_at FROM purchase_orders WHERE id = $1`, id).
		Scan(&po.ID, &po.Number, &po.VendorID, &status, &po.Currency, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.NotFound("procurement.GetPurchaseOrder", "purchase order", id)
		}
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT line_no, description, quantity, unit_price FROM purchase_order_lines WHERE po_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.LineNo, &line.Description, &line.Quantity, &line.UnitPrice); err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, line)
	}
	return po, rows.Err()
}

// ListGoodsReceipts returns every receipt recorded against the PO, with lines.
// An empty slice is a valid answer.
func (r *Repository) ListGoodsReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT g.id, g.number, g.po_id, g.status, g.received_at, l.po_line_no, l.quantity
FROM goods_receipts g
JOIN goods_receipt_lines l ON l.grn_id = g.id
WHERE g.po_id = $1
ORDER BY g.received_at, g.id, l.po_line_no`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GoodsReceipt
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			grn    GoodsReceipt
			status string
			line   GRNLine
		)
		if err := rows.Scan(&grn.ID, &grn.Number, &grn.POID, &status, &grn.ReceivedAt, &line.POLineNo, &line.Quantity); err != nil {
			return nil, err
		}
		pos, ok := index[grn.ID]
		if !ok {
			grn.Status = GRNStatus(status)
			out = append(out, grn)
			pos = len(out) - 1
			index[grn.ID] = pos
		}
		out[pos].Lines = append(out[pos].Lines, line)
	}
	return out, rows.Err()
}

// GetVendor returns vendor master data.
func (r *Repository) GetVendor(ctx context.Context, id uuid.UUID) (Vendor, error) {
	var v Vendor
	err := r.pool.QueryRow(ctx, `SELECT id, name, onboarded_at, bank_account_changed_at FROM vendors WHERE id = $1`, id).
		Scan(&v.ID, &v.Name, &v.OnboardedAt, &v.BankAccountChangedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, shared.NotFound("procurement.GetVendor", "vendor", id)
		}
		return Vendor{}, err
	}
	return v, nil
}
