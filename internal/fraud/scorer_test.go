package fraud

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
)

var invoiceDay = time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

func scoredInvoice(number string, total int64) ap.Invoice {
	return ap.Invoice{ID: uuid.New(), Number: number, VendorID: uuid.New(), Currency: "USD", Total: decimal.NewFromInt(total), InvoiceDate: invoiceDay}
}

func steadyHistory(n int, amount int64) []PriorInvoice {
	out := make([]PriorInvoice, 0, n)
	for i := 0; i < n; i++ {
		// Alternate around amount so the distribution has spread.
		delta := int64(10)
		if i%2 == 1 {
			delta = -10
		}
		out = append(out, PriorInvoice{
			ID:     uuid.New(),
			Number: "P-" + string(rune('A'+i)),
			Amount: decimal.NewFromInt(amount + delta),
			Date:   invoiceDay.AddDate(0, -i-1, 0),
		})
	}
	return out
}

func signalNames(a Assessment) []Signal {
	out := make([]Signal, 0, len(a.Signals))
	for _, hit := range a.Signals {
		out = append(out, hit.Signal)
	}
	return out
}

func TestCleanInvoiceScoresZero(t *testing.T) {
	scorer := NewScorer(DefaultConfig())
	a := scorer.Score(scoredInvoice("INV-1", 1000), History{
		VendorOnboardedAt: invoiceDay.AddDate(-2, 0, 0),
		Prior:             steadyHistory(6, 1000),
	})
	require.Zero(t, a.Score)
	require.Empty(t, a.Signals)
}

func TestBankChangeWithinWindow(t *testing.T) {
	scorer := NewScorer(DefaultConfig())
	changed := invoiceDay.AddDate(0, 0, -10)
	a := scorer.Score(scoredInvoice("INV-1", 1000), History{VendorOnboardedAt: invoiceDay.AddDate(-2, 0, 0), BankAccountChangedAt: &changed})
	require.Equal(t, []Signal{SignalBankChange}, signalNames(a))
	require.InDelta(t, 0.5, a.Score, 1e-9)
	require.True(t, scorer.Reportable(a.Score))

	old := invoiceDay.AddDate(0, -6, 0)
	a = scorer.Score(scoredInvoice("INV-1", 1000), History{VendorOnboardedAt: invoiceDay.AddDate(-2, 0, 0), BankAccountChangedAt: &old})
	require.Empty(t, a.Signals)
}

func TestDuplicateByNumberOrAmountAndDay(t *testing.T) {
	scorer := NewScorer(DefaultConfig())
	established := invoiceDay.AddDate(-2, 0, 0)

	a := scorer.Score(scoredInvoice("inv 0042", 500), History{
		VendorOnboardedAt: established,
		Prior:             []PriorInvoice{{ID: uuid.New(), Number: "INV-0042", Amount: decimal.NewFromInt(90), Date: invoiceDay.AddDate(0, 0, -20)}},
	})
	require.Equal(t, []Signal{SignalDuplicate}, signalNames(a))

	a = scorer.Score(scoredInvoice("INV-9", 500), History{
		VendorOnboardedAt: established,
		Prior:             []PriorInvoice{{ID: uuid.New(), Number: "INV-8", Amount: decimal.NewFromInt(500), Date: invoiceDay}},
	})
	require.Equal(t, []Signal{SignalDuplicate}, signalNames(a))

	a = scorer.Score(scoredInvoice("INV-0042", 500), History{
		VendorOnboardedAt: established,
		Prior:             []PriorInvoice{{ID: uuid.New(), Number: "INV-0042", Amount: decimal.NewFromInt(500), Date: invoiceDay.AddDate(-1, 0, 0)}},
	})
	require.Empty(t, a.Signals, "outside lookback")
}

func TestNewVendorAboveCeiling(t *testing.T) {
	scorer := NewScorer(DefaultConfig())
	fresh := invoiceDay.AddDate(0, 0, -15)

	a := scorer.Score(scoredInvoice("INV-1", 25000), History{VendorOnboardedAt: fresh})
	require.Equal(t, []Signal{SignalNewVendor}, signalNames(a))
	require.InDelta(t, 0.3, a.Score, 1e-9)
	require.False(t, scorer.Reportable(a.Score))

	a = scorer.Score(scoredInvoice("INV-1", 9000), History{VendorOnboardedAt: fresh})
	require.Empty(t, a.Signals)
}

func TestOutlierIsGradedByZScore(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewScorer(cfg)
	established := invoiceDay.AddDate(-2, 0, 0)
	prior := steadyHistory(6, 1000) // mean 1000, std 10

	a := scorer.Score(scoredInvoice("INV-1", 1030), History{VendorOnboardedAt: established, Prior: prior})
	require.Equal(t, []Signal{SignalAmountOutlier}, signalNames(a))
	require.InDelta(t, 0.15, a.Score, 1e-9)

	a = scorer.Score(scoredInvoice("INV-1", 1100), History{VendorOnboardedAt: established, Prior: prior})
	require.InDelta(t, 0.3, a.Score, 1e-9)

	a = scorer.Score(scoredInvoice("INV-1", 900), History{VendorOnboardedAt: established, Prior: prior})
	require.Empty(t, a.Signals, "low amounts are not flagged")

	a = scorer.Score(scoredInvoice("INV-1", 5000), History{VendorOnboardedAt: established, Prior: prior[:3]})
	require.Empty(t, a.Signals, "too few samples")
}

func TestOutlierIgnoresLaterInvoices(t *testing.T) {
	scorer := NewScorer(DefaultConfig())
	established := invoiceDay.AddDate(-2, 0, 0)

	prior := steadyHistory(6, 1000)
	for i := 1; i <= 3; i++ {
		prior = append(prior, PriorInvoice{ID: uuid.New(), Number: "LATER-" + string(rune('A'+i)), Amount: decimal.NewFromInt(5000), Date: invoiceDay.AddDate(0, 0, i)})
	}
	a := scorer.Score(scoredInvoice("INV-1", 1030), History{VendorOnboardedAt: established, Prior: prior})
	require.Equal(t, []Signal{SignalAmountOutlier}, signalNames(a))
	require.InDelta(t, 0.15, a.Score, 1e-9)

	later := steadyHistory(6, 1000)
	for i := range later {
		later[i].Date = invoiceDay.AddDate(0, i+1, 0)
	}
	a = scorer.Score(scoredInvoice("INV-1", 1100), History{VendorOnboardedAt: established, Prior: later})
	require.Empty(t, a.Signals, "only later invoices leaves no sample")
}

func TestScoreIsClippedToOne(t *testing.T) {
	cfg := DefaultConfig()
	scorer := NewScorer(cfg)
	fresh := invoiceDay.AddDate(0, 0, -5)
	changed := invoiceDay.AddDate(0, 0, -1)
	inv := scoredInvoice("INV-7", 50000)
	prior := steadyHistory(6, 1000)
	prior[0].Number = "INV-7"

	a := scorer.Score(inv, History{VendorOnboardedAt: fresh, BankAccountChangedAt: &changed, Prior: prior})
	require.Len(t, a.Signals, 4)
	require.Equal(t, 1.0, a.Score)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.WeightDuplicate = 1.5
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ReportThreshold = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.OutlierMinSamples = 1
	require.Error(t, bad.Validate())
}

func TestScoreIsMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	scorer := NewScorer(DefaultConfig())

	history := func(bank, dup, fresh bool) History {
		h := History{VendorOnboardedAt: invoiceDay.AddDate(-2, 0, 0), Prior: steadyHistory(6, 1000)}
		if bank {
			changed := invoiceDay.AddDate(0, 0, -3)
			h.BankAccountChangedAt = &changed
		}
		if dup {
			h.Prior[0].Number = "INV-X"
		}
		if fresh {
			h.VendorOnboardedAt = invoiceDay.AddDate(0, 0, -3)
		}
		return h
	}

	properties.Property("adding a signal never lowers the score", prop.ForAll(
		func(bank, dup, fresh bool, amount int64) bool {
			inv := scoredInvoice("INV-X", amount)
			base := scorer.Score(inv, history(bank, dup, fresh)).Score
			for _, more := range []History{history(true, dup, fresh), history(bank, true, fresh), history(bank, dup, true)} {
				if scorer.Score(inv, more).Score < base {
					return false
				}
			}
			return base >= 0 && base <= 1
		},
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Int64Range(1, 100000),
	))

	properties.Property("larger amounts never lower the outlier score", prop.ForAll(
		func(amount, extra int64) bool {
			h := history(false, false, false)
			low := scorer.Score(scoredInvoice("INV-Y", amount), h).Score
			high := scorer.Score(scoredInvoice("INV-Y", amount+extra), h).Score
			return high >= low
		},
		gen.Int64Range(1, 9000), gen.Int64Range(0, 5000),
	))

	properties.TestingRun(t)
}
