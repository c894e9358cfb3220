package recurring

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
)

var hundred = decimal.NewFromInt(100)

// Pattern is a vendor's recognised billing rhythm. A vendor has at most one
// active pattern.
type Pattern struct {
	ID            uuid.UUID       `json:"id"`
	VendorID      uuid.UUID       `json:"vendor_id"`
	AvgAmount     decimal.Decimal `json:"avg_amount"`
	TolerancePct  decimal.Decimal `json:"tolerance_pct"`
	AutoFastTrack bool            `json:"auto_fast_track"`
	FrequencyDays int             `json:"frequency_days"`
	SampleSize    int             `json:"sample_size"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Check is the outcome of comparing an invoice with its vendor pattern.
type Check struct {
	IsRecurring  bool             `json:"is_recurring"`
	FastTrack    bool             `json:"fast_track"`
	PatternID    *uuid.UUID       `json:"pattern_id,omitempty"`
	DeviationPct *decimal.Decimal `json:"deviation_pct,omitempty"`
}

// Config tunes pattern learning.
type Config struct {
	DefaultTolerancePct decimal.Decimal `envconfig:"DEFAULT_TOLERANCE_PCT" default:"5"`
	MinObservations     int             `envconfig:"MIN_OBSERVATIONS" default:"3"`
	IntervalSpreadPct   float64         `envconfig:"INTERVAL_SPREAD_PCT" default:"25"`
	MaxAmountCVPct      float64         `envconfig:"MAX_AMOUNT_CV_PCT" default:"10"`
	LearnWindow         time.Duration   `envconfig:"LEARN_WINDOW" default:"9600h"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTolerancePct: decimal.NewFromInt(5),
		MinObservations:     3,
		IntervalSpreadPct:   25,
		MaxAmountCVPct:      10,
		LearnWindow:         400 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultTolerancePct.IsNegative() || c.DefaultTolerancePct.GreaterThan(hundred) {
		return errors.New("recurring tolerance must be within [0,100]")
	}
	if c.MinObservations < 3 {
		return errors.New("recurring patterns need at least three observations")
	}
	if c.IntervalSpreadPct < 0 || c.MaxAmountCVPct < 0 || c.LearnWindow <= 0 {
		return errors.New("recurring spreads must not be negative and the window must be positive")
	}
	return nil
}

// CheckRecurring tags the invoice recurring when its total deviates from the
// pattern average by no more than the pattern tolerance. Fast-track follows
// the pattern's AutoFastTrack flag.
func CheckRecurring(inv ap.Invoice, p *Pattern) Check {
	if p == nil || !p.Active || !p.AvgAmount.IsPositive() || p.VendorID != inv.VendorID {
		return Check{}
	}
	dev := inv.Total.Sub(p.AvgAmount).Abs().Div(p.AvgAmount).Mul(hundred).Round(4)
	id := p.ID
	out := Check{PatternID: &id, DeviationPct: &dev}
	if dev.LessThanOrEqual(p.TolerancePct) {
		out.IsRecurring = true
		out.FastTrack = p.AutoFastTrack
	}
	return out
}

// Learn derives a pattern from the vendor's invoices. It needs MinObservations
// invoices whose intervals stay within IntervalSpreadPct of the median
// interval and whose amounts vary by at most MaxAmountCVPct.
func Learn(cfg Config, vendorID uuid.UUID, history []ap.Invoice) (Pattern, bool) {
	var invs []ap.Invoice
	for _, inv := range history {
		if inv.VendorID == vendorID && inv.Total.IsPositive() {
			invs = append(invs, inv)
		}
	}
	if len(invs) < cfg.MinObservations {
		return Pattern{}, false
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].InvoiceDate.Before(invs[j].InvoiceDate) })

	intervals := make([]float64, 0, len(invs)-1)
	for i := 1; i < len(invs); i++ {
		intervals = append(intervals, invs[i].InvoiceDate.Sub(invs[i-1].InvoiceDate).Hours()/24)
	}
	median := medianOf(intervals)
	if median < 1 {
		return Pattern{}, false
	}
	spread := median * cfg.IntervalSpreadPct / 100
	for _, d := range intervals {
		if math.Abs(d-median) > spread {
			return Pattern{}, false
		}
	}

	sum := decimal.Zero
	for _, inv := range invs {
		sum = sum.Add(inv.Total)
	}
	n := decimal.NewFromInt(int64(len(invs)))
	mean := sum.Div(n)
	variance := decimal.Zero
	for _, inv := range invs {
		d := inv.Total.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	std := math.Sqrt(variance.Div(n).InexactFloat64())
	if cv := std / mean.InexactFloat64() * 100; cv > cfg.MaxAmountCVPct {
		return Pattern{}, false
	}

	return Pattern{
		VendorID:      vendorID,
		AvgAmount:     mean.Round(2),
		TolerancePct:  cfg.DefaultTolerancePct,
		FrequencyDays: int(math.Round(median)),
		SampleSize:    len(invs),
		Active:        true,
	}, true
}

func medianOf(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
