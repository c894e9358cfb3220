package ap

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusIngested          Status = "ingested"
	StatusExtracting        Status = "extracting"
	StatusExtracted         Status = "extracted"
	StatusMatching          Status = "matching"
	StatusMatched           Status = "matched"
	StatusException         Status = "exception"
	StatusPendingApproval   Status = "pending_approval"
	StatusPartiallyApproved Status = "partially_approved"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusPaid              Status = "paid"
)

// Invoice is the AP invoice aggregate as consumed from the extraction stage.
type Invoice struct {
	ID                 uuid.UUID       `json:"id"`
	Number             string          `json:"number" validate:"required,max=64"`
	VendorID           uuid.UUID       `json:"vendor_id" validate:"required"`
	PurchaseOrderID    *uuid.UUID      `json:"purchase_order_id,omitempty"`
	Currency           string          `json:"currency" validate:"required,len=3"`
	Total              decimal.Decimal `json:"total" validate:"required"`
	Department         string          `json:"department,omitempty" validate:"max=64"`
	Category           string          `json:"category,omitempty" validate:"max=64"`
	InvoiceDate        time.Time       `json:"invoice_date" validate:"required"`
	Status             Status          `json:"status"`
	FraudScore         *float64        `json:"fraud_score,omitempty"`
	Recurring          bool            `json:"recurring"`
	RecurringPatternID *uuid.UUID      `json:"recurring_pattern_id,omitempty"`
	Lines              []InvoiceLine   `json:"lines" validate:"required,min=1,dive"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
}

// InvoiceLine is one billed line. POLineNo links it to a purchase order line.
type InvoiceLine struct {
	ID          uuid.UUID       `json:"id"`
	LineNo      int             `json:"line_no" validate:"gt=0"`
	Description string          `json:"description" validate:"max=512"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"required"`
	LineTotal   decimal.Decimal `json:"line_total"`
	POLineNo    *int            `json:"po_line_no,omitempty" validate:"omitempty,gt=0"`
}

// Amount is quantity times unit price.
func (l InvoiceLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// IngestInput carries an extracted invoice handed over by the extraction stage.
type IngestInput struct {
	Number          string          `json:"number" validate:"required,max=64"`
	VendorID        uuid.UUID       `json:"vendor_id" validate:"required"`
	PurchaseOrderID *uuid.UUID      `json:"purchase_order_id,omitempty"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	Total           decimal.Decimal `json:"total"`
	Department      string          `json:"department,omitempty" validate:"max=64"`
	Category        string          `json:"category,omitempty" validate:"max=64"`
	InvoiceDate     time.Time       `json:"invoice_date" validate:"required"`
	Lines           []LineInput     `json:"lines" validate:"required,min=1,dive"`
	ActorID         uuid.UUID       `json:"-"`
}

// LineInput is an extracted invoice line.
type LineInput struct {
	LineNo      int             `json:"line_no" validate:"gt=0"`
	Description string          `json:"description" validate:"max=512"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"required"`
	LineTotal   decimal.Decimal `json:"line_total"`
	POLineNo    *int            `json:"po_line_no,omitempty" validate:"omitempty,gt=0"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	Status   Status
	VendorID uuid.UUID
	Limit    int
}
