package matching

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type of reconciliation performed.
type Type string

const (
	TypeTwoWay   Type = "2-way"
	TypeThreeWay Type = "3-way"
	TypeNonPO    Type = "non_po"
)

// Status is the aggregate outcome of a match.
type Status string

const (
	StatusMatched   Status = "matched"
	StatusPartial   Status = "partial"
	StatusException Status = "exception"
)

// LineStatus is the outcome for a single invoice line.
type LineStatus string

const (
	LineMatched       LineStatus = "matched"
	LineQtyVariance   LineStatus = "qty_variance"
	LinePriceVariance LineStatus = "price_variance"
	LineUnmatched     LineStatus = "unmatched"
)

// Exception codes raised by the engine.
const (
	CodeNoPurchaseOrder        = "NO_PURCHASE_ORDER"
	CodePOLineNotLinked        = "PO_LINE_NOT_LINKED"
	CodePOLineNotFound         = "PO_LINE_NOT_FOUND"
	CodeGRNNotFound            = "GRN_NOT_FOUND"
	CodePriceOverTolerance     = "PRICE_OVER_TOLERANCE"
	CodeQtyShortReceived       = "QTY_SHORT_RECEIVED"
	CodeQtyOverReceived        = "QTY_OVER_RECEIVED"
	CodeAggregateOverTolerance = "AGGREGATE_OVER_TOLERANCE"
	CodeCurrencyMismatch       = "CURRENCY_MISMATCH"
	CodeVendorMismatch         = "VENDOR_MISMATCH"
)

// LineMatch is the per-line reconciliation detail.
type LineMatch struct {
	LineNo         int              `json:"line_no"`
	POLineNo       *int             `json:"po_line_no,omitempty"`
	Status         LineStatus       `json:"status"`
	InvoiceAmount  decimal.Decimal  `json:"invoice_amount"`
	POAmount       *decimal.Decimal `json:"po_amount,omitempty"`
	AmountVariance *decimal.Decimal `json:"amount_variance,omitempty"`
	VariancePct    *decimal.Decimal `json:"variance_pct,omitempty"`
	InvoiceQty     decimal.Decimal  `json:"invoice_qty"`
	ReceivedQty    *decimal.Decimal `json:"received_qty,omitempty"`
	QtyVariance    *decimal.Decimal `json:"qty_variance,omitempty"`
	ExceptionCode  string           `json:"exception_code,omitempty"`
}

// Exception is one reason a match needs manual review.
type Exception struct {
	Code    string `json:"code"`
	LineNo  int    `json:"line_no,omitempty"`
	Message string `json:"message"`
}

// Result is an immutable record of one match run.
type Result struct {
	ID               uuid.UUID        `json:"id"`
	InvoiceID        uuid.UUID        `json:"invoice_id"`
	ToleranceVersion int64            `json:"tolerance_version"`
	Type             Type             `json:"match_type"`
	Status           Status           `json:"status"`
	InvoiceAmount    decimal.Decimal  `json:"invoice_amount"`
	POAmount         *decimal.Decimal `json:"po_amount,omitempty"`
	AmountVariance   *decimal.Decimal `json:"amount_variance,omitempty"`
	VariancePct      *decimal.Decimal `json:"variance_pct,omitempty"`
	Lines            []LineMatch      `json:"lines"`
	Exceptions       []Exception      `json:"exceptions"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Routable reports whether the result may proceed to approval routing.
func (r Result) Routable() bool {
	return r.Status == StatusMatched || r.Status == StatusPartial
}
