package procurement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusApproved  POStatus = "APPROVED"
	POStatusClosed    POStatus = "CLOSED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Goods receipt statuses.
type GRNStatus string

const (
	GRNStatusDraft     GRNStatus = "DRAFT"
	GRNStatusPosted    GRNStatus = "POSTED"
	GRNStatusCancelled GRNStatus = "CANCELLED"
)

// Vendor carries the master data the fraud scorer reads.
type Vendor struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	OnboardedAt          time.Time  `json:"onboarded_at"`
	BankAccountChangedAt *time.Time `json:"bank_account_changed_at,omitempty"`
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID        uuid.UUID `json:"id"`
	Number    string    `json:"number"`
	VendorID  uuid.UUID `json:"vendor_id"`
	Status    POStatus  `json:"status"`
	Currency  string    `json:"currency"`
	Lines     []POLine  `json:"lines" validate:"dive"`
	CreatedAt time.Time `json:"created_at"`
}

// POLine represents PO lines.
type POLine struct {
	LineNo      int             `json:"line_no" validate:"gt=0"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gte=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

// Amount is ordered quantity times unit price.
func (l POLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Line returns the PO line with the given number.
func (po PurchaseOrder) Line(lineNo int) (POLine, bool) {
	for _, line := range po.Lines {
		if line.LineNo == lineNo {
			return line, true
		}
	}
	return POLine{}, false
}

// GoodsReceipt domain model.
type GoodsReceipt struct {
	ID         uuid.UUID `json:"id"`
	Number     string    `json:"number"`
	POID       uuid.UUID `json:"po_id"`
	Status     GRNStatus `json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	Lines      []GRNLine `json:"lines"`
}

// GRNLine describes received goods against a PO line.
type GRNLine struct {
	POLineNo int             `json:"po_line_no"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ReceivedByLine sums posted receipt quantities per PO line. Lines never
// received are absent from the map.
func ReceivedByLine(receipts []GoodsReceipt) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal)
	for _, grn := range receipts {
		if grn.Status != "" && grn.Status != GRNStatusPosted {
			continue
		}
		for _, line := range grn.Lines {
			out[line.POLineNo] = out[line.POLineNo].Add(line.Quantity)
		}
	}
	return out
}

// HasPostedReceipt reports whether any receipt counts toward matching.
func HasPostedReceipt(receipts []GoodsReceipt) bool {
	for _, grn := range receipts {
		if grn.Status == "" || grn.Status == GRNStatusPosted {
			return true
		}
	}
	return false
}
