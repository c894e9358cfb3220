package fraud

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
)

// Scorer combines independent signals into a risk score in [0,1].
type Scorer struct {
	cfg Config
}

// NewScorer builds a scorer for cfg.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score evaluates every signal and sums the triggered weights, clipped to 1.
func (s *Scorer) Score(inv ap.Invoice, h History) Assessment {
	var hits []Hit
	for _, check := range []func(ap.Invoice, History) (Hit, bool){
		s.bankChange,
		s.duplicate,
		s.newVendor,
		s.outlier,
	} {
		if hit, ok := check(inv, h); ok && hit.Weight > 0 {
			hits = append(hits, hit)
		}
	}
	total := 0.0
	for _, hit := range hits {
		total += hit.Weight
	}
	return Assessment{Score: clip(total), Signals: hits}
}

// Reportable reports whether score reaches the incident threshold.
func (s *Scorer) Reportable(score float64) bool {
	return score >= s.cfg.ReportThreshold
}

func (s *Scorer) bankChange(inv ap.Invoice, h History) (Hit, bool) {
	if h.BankAccountChangedAt == nil {
		return Hit{}, false
	}
	gap := absDuration(inv.InvoiceDate.Sub(*h.BankAccountChangedAt))
	if gap > s.cfg.BankChangeWindow {
		return Hit{}, false
	}
	return Hit{
		Signal: SignalBankChange,
		Weight: s.cfg.WeightBankChange,
		Detail: fmt.Sprintf("bank account changed %s", h.BankAccountChangedAt.Format(time.DateOnly)),
	}, true
}

func (s *Scorer) duplicate(inv ap.Invoice, h History) (Hit, bool) {
	number := normalizeNumber(inv.Number)
	for _, prior := range h.Prior {
		if prior.ID == inv.ID {
			continue
		}
		if absDuration(inv.InvoiceDate.Sub(prior.Date)) > s.cfg.DuplicateLookback {
			continue
		}
		sameNumber := number != "" && normalizeNumber(prior.Number) == number
		sameAmountDay := prior.Amount.Equal(inv.Total) && sameDay(prior.Date, inv.InvoiceDate)
		if sameNumber || sameAmountDay {
			return Hit{
				Signal: SignalDuplicate,
				Weight: s.cfg.WeightDuplicate,
				Detail: fmt.Sprintf("matches invoice %s dated %s", prior.Number, prior.Date.Format(time.DateOnly)),
			}, true
		}
	}
	return Hit{}, false
}

func (s *Scorer) newVendor(inv ap.Invoice, h History) (Hit, bool) {
	if h.VendorOnboardedAt.IsZero() {
		return Hit{}, false
	}
	if inv.InvoiceDate.Sub(h.VendorOnboardedAt) >= s.cfg.NewVendorAge {
		return Hit{}, false
	}
	if !inv.Total.GreaterThan(s.cfg.NewVendorCeiling) {
		return Hit{}, false
	}
	return Hit{
		Signal: SignalNewVendor,
		Weight: s.cfg.WeightNewVendor,
		Detail: fmt.Sprintf("vendor onboarded %s, amount %s above %s", h.VendorOnboardedAt.Format(time.DateOnly), inv.Total.String(), s.cfg.NewVendorCeiling.String()),
	}, true
}

// outlier grades the weight by z-score: half weight at OutlierZ, full weight
// at twice OutlierZ. Only amounts above the trailing mean count, and the
// sample holds only invoices dated on or before this one.
func (s *Scorer) outlier(inv ap.Invoice, h History) (Hit, bool) {
	var samples []float64
	for _, prior := range h.Prior {
		if prior.ID == inv.ID || prior.Date.After(inv.InvoiceDate) {
			continue
		}
		if inv.InvoiceDate.Sub(prior.Date) > s.cfg.TrailingWindow {
			continue
		}
		samples = append(samples, prior.Amount.InexactFloat64())
	}
	if len(samples) < s.cfg.OutlierMinSamples {
		return Hit{}, false
	}
	mean, std := meanStd(samples)
	if std == 0 {
		return Hit{}, false
	}
	z := (inv.Total.InexactFloat64() - mean) / std
	if z < s.cfg.OutlierZ {
		return Hit{}, false
	}
	grade := 0.5 + 0.5*(z-s.cfg.OutlierZ)/s.cfg.OutlierZ
	if grade > 1 {
		grade = 1
	}
	return Hit{
		Signal: SignalAmountOutlier,
		Weight: round4(s.cfg.WeightOutlier * grade),
		Detail: fmt.Sprintf("z-score %.2f against %d prior invoices (mean %s)", z, len(samples), decimal.NewFromFloat(mean).Round(2).String()),
	}, true
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func normalizeNumber(n string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(n) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return round4(v)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
