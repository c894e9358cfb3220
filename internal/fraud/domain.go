package fraud

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Signal names an independent fraud indicator.
type Signal string

const (
	SignalBankChange    Signal = "bank_account_changed"
	SignalDuplicate     Signal = "duplicate_invoice"
	SignalNewVendor     Signal = "new_vendor_high_amount"
	SignalAmountOutlier Signal = "amount_outlier"
)

// Hit is a triggered signal with the weight it contributed.
type Hit struct {
	Signal Signal  `json:"signal"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail"`
}

// Assessment is the scorer output.
type Assessment struct {
	Score   float64 `json:"score"`
	Signals []Hit   `json:"signals"`
}

// Names returns the triggered signal names in sorted order.
func (a Assessment) Names() []string {
	out := make([]string, 0, len(a.Signals))
	for _, hit := range a.Signals {
		out = append(out, string(hit.Signal))
	}
	sort.Strings(out)
	return out
}

// Incident records an assessment that crossed the reporting threshold.
type Incident struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	Score     float64   `json:"score"`
	Signals   []Hit     `json:"signals"`
	CreatedAt time.Time `json:"created_at"`
}

// PriorInvoice is a vendor invoice already on file.
type PriorInvoice struct {
	ID     uuid.UUID
	Number string
	Amount decimal.Decimal
	Date   time.Time
}

// History is the vendor context an invoice is scored against.
type History struct {
	VendorOnboardedAt    time.Time
	BankAccountChangedAt *time.Time
	Prior                []PriorInvoice
}

// Config holds signal windows, weights and the reporting threshold.
type Config struct {
	BankChangeWindow  time.Duration   `envconfig:"BANK_CHANGE_WINDOW" default:"720h"`
	DuplicateLookback time.Duration   `envconfig:"DUPLICATE_LOOKBACK" default:"2160h"`
	TrailingWindow    time.Duration   `envconfig:"TRAILING_WINDOW" default:"8760h"`
	NewVendorAge      time.Duration   `envconfig:"NEW_VENDOR_AGE" default:"2160h"`
	NewVendorCeiling  decimal.Decimal `envconfig:"NEW_VENDOR_CEILING" default:"10000"`
	OutlierZ          float64         `envconfig:"OUTLIER_Z" default:"3"`
	OutlierMinSamples int             `envconfig:"OUTLIER_MIN_SAMPLES" default:"5"`

	WeightBankChange float64 `envconfig:"WEIGHT_BANK_CHANGE" default:"0.5"`
	WeightDuplicate  float64 `envconfig:"WEIGHT_DUPLICATE" default:"0.5"`
	WeightNewVendor  float64 `envconfig:"WEIGHT_NEW_VENDOR" default:"0.3"`
	WeightOutlier    float64 `envconfig:"WEIGHT_OUTLIER" default:"0.3"`

	ReportThreshold float64 `envconfig:"REPORT_THRESHOLD" default:"0.4"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		BankChangeWindow:  30 * 24 * time.Hour,
		DuplicateLookback: 90 * 24 * time.Hour,
		TrailingWindow:    365 * 24 * time.Hour,
		NewVendorAge:      90 * 24 * time.Hour,
		NewVendorCeiling:  decimal.NewFromInt(10000),
		OutlierZ:          3,
		OutlierMinSamples: 5,
		WeightBankChange:  0.5,
		WeightDuplicate:   0.5,
		WeightNewVendor:   0.3,
		WeightOutlier:     0.3,
		ReportThreshold:   0.4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	for _, w := range []float64{c.WeightBankChange, c.WeightDuplicate, c.WeightNewVendor, c.WeightOutlier} {
		if w < 0 || w > 1 {
			return errors.New("fraud signal weights must be within [0,1]")
		}
	}
	if c.ReportThreshold <= 0 || c.ReportThreshold > 1 {
		return errors.New("fraud report threshold must be within (0,1]")
	}
	if c.OutlierZ <= 0 || c.OutlierMinSamples < 2 {
		return errors.New("fraud outlier z must be positive and min samples at least 2")
	}
	if c.BankChangeWindow <= 0 || c.DuplicateLookback <= 0 || c.NewVendorAge <= 0 || c.TrailingWindow <= 0 {
		return errors.New("fraud windows must be positive")
	}
	if c.NewVendorCeiling.IsNegative() {
		return errors.New("fraud new vendor ceiling must not be negative")
	}
	return nil
}

// Lookback is how far back vendor history must reach.
func (c Config) Lookback() time.Duration {
	if c.TrailingWindow > c.DuplicateLookback {
		return c.TrailingWindow
	}
	return c.DuplicateLookback
}
