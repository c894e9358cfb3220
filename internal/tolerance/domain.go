package tolerance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Status of a tolerance version.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusRetired   Status = "retired"
)

// Config is one immutable version of the matching tolerance policy.
// Percentages are expressed in percent, so 2 means 2%.
type Config struct {
	Version            int64            `json:"version"`
	AmountPct          decimal.Decimal  `json:"amount_pct"`
	AmountAbs          *decimal.Decimal `json:"amount_abs,omitempty"`
	QtyAbs             decimal.Decimal  `json:"qty_abs"`
	QtyPct             *decimal.Decimal `json:"qty_pct,omitempty"`
	AutoApproveCeiling decimal.Decimal  `json:"auto_approve_ceiling"`
	Status             Status           `json:"status"`
	Note               string           `json:"note,omitempty"`
	CreatedBy          uuid.UUID        `json:"created_by"`
	CreatedAt          time.Time        `json:"created_at"`
	PublishedBy        *uuid.UUID       `json:"published_by,omitempty"`
	PublishedAt        *time.Time       `json:"published_at,omitempty"`
}

// DraftInput describes a new tolerance version.
type DraftInput struct {
	AmountPct          decimal.Decimal  `json:"amount_pct" validate:"gte=0,lte=100"`
	AmountAbs          *decimal.Decimal `json:"amount_abs,omitempty" validate:"omitempty,gte=0"`
	QtyAbs             decimal.Decimal  `json:"qty_abs" validate:"gte=0"`
	QtyPct             *decimal.Decimal `json:"qty_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
	AutoApproveCeiling decimal.Decimal  `json:"auto_approve_ceiling" validate:"gte=0"`
	Note               string           `json:"note,omitempty" validate:"max=512"`
}

// Validate checks the policy is usable by the match engine.
func (c Config) Validate() error {
	if c.AmountPct.IsNegative() {
		return shared.Validation("tolerance", "amount_pct must not be negative")
	}
	if c.AmountAbs != nil && c.AmountAbs.IsNegative() {
		return shared.Validation("tolerance", "amount_abs must not be negative")
	}
	if c.QtyAbs.IsNegative() {
		return shared.Validation("tolerance", "qty_abs must not be negative")
	}
	if c.QtyPct != nil && c.QtyPct.IsNegative() {
		return shared.Validation("tolerance", "qty_pct must not be negative")
	}
	if c.AutoApproveCeiling.IsNegative() {
		return shared.Validation("tolerance", "auto_approve_ceiling must not be negative")
	}
	return nil
}

// AmountWithin reports whether an amount difference is inside tolerance.
// pct is nil when the reference amount is zero and no percentage applies.
func (c Config) AmountWithin(diff decimal.Decimal, pct *decimal.Decimal) bool {
	if pct != nil && pct.Abs().LessThanOrEqual(c.AmountPct) {
		return true
	}
	return c.AmountAbs != nil && diff.Abs().LessThanOrEqual(*c.AmountAbs)
}

// QtyWithin reports whether a quantity difference against received is inside tolerance.
func (c Config) QtyWithin(diff, received decimal.Decimal) bool {
	if diff.Abs().LessThanOrEqual(c.QtyAbs) {
		return true
	}
	if c.QtyPct == nil || !received.IsPositive() {
		return false
	}
	pct := diff.Abs().Div(received).Mul(decimal.NewFromInt(100))
	return pct.LessThanOrEqual(*c.QtyPct)
}
