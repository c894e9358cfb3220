package recurring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type memoryPatternRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]ap.Invoice
	patterns []Pattern
	audits   []shared.AuditEntry
}

type memoryPatternTx struct {
	repo *memoryPatternRepo
}

func newMemoryPatternRepo() *memoryPatternRepo {
	return &memoryPatternRepo{invoices: make(map[uuid.UUID]ap.Invoice)}
}

func (r *memoryPatternRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	invoices := make(map[uuid.UUID]ap.Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invoices[k] = v
	}
	patterns := append([]Pattern(nil), r.patterns...)
	audits := len(r.audits)
	if err := fn(ctx, &memoryPatternTx{repo: r}); err != nil {
		r.invoices = invoices
		r.patterns = patterns
		r.audits = r.audits[:audits]
		return err
	}
	return nil
}

func (r *memoryPatternRepo) ActivePattern(ctx context.Context, vendorID uuid.UUID) (*Pattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patterns {
		if p.VendorID == vendorID && p.Active {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memoryPatternRepo) GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NotFound("get", "invoice", id)
	}
	return inv, nil
}

func (r *memoryPatternRepo) VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]ap.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ap.Invoice
	for _, inv := range r.invoices {
		if inv.VendorID == vendorID && !inv.InvoiceDate.Before(since) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *memoryPatternTx) LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NotFound("lock", "invoice", id)
	}
	return inv, nil
}

func (t *memoryPatternTx) SetRecurring(ctx context.Context, id uuid.UUID, recurring bool, patternID *uuid.UUID) error {
	inv := t.repo.invoices[id]
	inv.Recurring = recurring
	inv.RecurringPatternID = patternID
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryPatternTx) InsertAudit(ctx context.Context, entry shared.AuditEntry) error {
	t.repo.audits = append(t.repo.audits, entry)
	return nil
}

func (t *memoryPatternTx) DeactivatePatterns(ctx context.Context, vendorID uuid.UUID) (*Pattern, error) {
	var prev *Pattern
	for i, p := range t.repo.patterns {
		if p.VendorID == vendorID && p.Active {
			t.repo.patterns[i].Active = false
			out := t.repo.patterns[i]
			prev = &out
		}
	}
	return prev, nil
}

func (t *memoryPatternTx) InsertPattern(ctx context.Context, p Pattern) error {
	for _, existing := range t.repo.patterns {
		if existing.VendorID == p.VendorID && existing.Active && p.Active {
			return shared.Conflict("insert", "active pattern exists")
		}
	}
	t.repo.patterns = append(t.repo.patterns, p)
	return nil
}

func (t *memoryPatternTx) UpdateAutoFastTrack(ctx context.Context, vendorID uuid.UUID, on bool, at time.Time) (Pattern, error) {
	for i, p := range t.repo.patterns {
		if p.VendorID == vendorID && p.Active {
			t.repo.patterns[i].AutoFastTrack = on
			t.repo.patterns[i].UpdatedAt = at
			return t.repo.patterns[i], nil
		}
	}
	return Pattern{}, shared.NotFound("update", "recurring pattern for vendor", vendorID)
}

var today = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func monthly(repo *memoryPatternRepo, vendorID uuid.UUID, amounts ...int64) {
	for i, amount := range amounts {
		inv := ap.Invoice{
			ID:          uuid.New(),
			Number:      "M-" + string(rune('A'+i)),
			VendorID:    vendorID,
			Currency:    "USD",
			Total:       decimal.NewFromInt(amount),
			InvoiceDate: today.AddDate(0, -len(amounts)+i, 0),
			Status:      ap.StatusPaid,
		}
		repo.invoices[inv.ID] = inv
	}
}

func newRecurringService(repo *memoryPatternRepo) *Service {
	svc := NewService(repo, repo, DefaultConfig(), nil)
	svc.now = func() time.Time { return today }
	return svc
}

func TestCheckRecurringBoundaries(t *testing.T) {
	vendorID := uuid.New()
	p := &Pattern{ID: uuid.New(), VendorID: vendorID, AvgAmount: decimal.NewFromInt(1000), TolerancePct: decimal.NewFromInt(5), Active: true}
	inv := ap.Invoice{VendorID: vendorID, Total: decimal.NewFromInt(1050)}

	check := CheckRecurring(inv, p)
	require.True(t, check.IsRecurring)
	require.False(t, check.FastTrack)
	require.Equal(t, p.ID, *check.PatternID)

	p.AutoFastTrack = true
	require.True(t, CheckRecurring(inv, p).FastTrack)

	inv.Total = decimal.RequireFromString("1050.01")
	check = CheckRecurring(inv, p)
	require.False(t, check.IsRecurring)
	require.False(t, check.FastTrack)

	require.Equal(t, Check{}, CheckRecurring(inv, nil))
	p.Active = false
	require.Equal(t, Check{}, CheckRecurring(inv, p))
}

func TestLearnNeedsStableHistory(t *testing.T) {
	vendorID := uuid.New()
	cfg := DefaultConfig()
	at := func(months int, amount int64) ap.Invoice {
		return ap.Invoice{VendorID: vendorID, Total: decimal.NewFromInt(amount), InvoiceDate: today.AddDate(0, months, 0)}
	}

	p, ok := Learn(cfg, vendorID, []ap.Invoice{at(-3, 1000), at(-2, 1020), at(-1, 980)})
	require.True(t, ok)
	require.True(t, p.AvgAmount.Equal(decimal.NewFromInt(1000)))
	require.InDelta(t, 30, p.FrequencyDays, 1)
	require.Equal(t, 3, p.SampleSize)
	require.True(t, p.TolerancePct.Equal(decimal.NewFromInt(5)))

	_, ok = Learn(cfg, vendorID, []ap.Invoice{at(-2, 1000), at(-1, 1000)})
	require.False(t, ok, "too few invoices")

	_, ok = Learn(cfg, vendorID, []ap.Invoice{at(-6, 1000), at(-5, 1000), at(-1, 1000)})
	require.False(t, ok, "irregular interval")

	_, ok = Learn(cfg, vendorID, []ap.Invoice{at(-3, 1000), at(-2, 3000), at(-1, 500)})
	require.False(t, ok, "amounts vary too much")
}

func TestServiceLearnAndCheck(t *testing.T) {
	repo := newMemoryPatternRepo()
	svc := newRecurringService(repo)
	ctx := context.Background()
	vendorID := uuid.New()
	monthly(repo, vendorID, 1000, 1000, 1000, 1000)

	p, err := svc.Learn(ctx, vendorID)
	require.NoError(t, err)
	require.False(t, p.AutoFastTrack)

	_, err = svc.SetAutoFastTrack(ctx, vendorID, true)
	require.NoError(t, err)

	relearned, err := svc.Learn(ctx, vendorID)
	require.NoError(t, err)
	require.True(t, relearned.AutoFastTrack)
	active := 0
	for _, existing := range repo.patterns {
		if existing.Active {
			active++
		}
	}
	require.Equal(t, 1, active)

	inv := ap.Invoice{ID: uuid.New(), VendorID: vendorID, Total: decimal.NewFromInt(1030), InvoiceDate: today, Status: ap.StatusMatching}
	repo.invoices[inv.ID] = inv
	check, err := svc.Check(ctx, inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.True(t, check.IsRecurring)
	require.True(t, check.FastTrack)
	require.True(t, repo.invoices[inv.ID].Recurring)
	require.Equal(t, relearned.ID, *repo.invoices[inv.ID].RecurringPatternID)
	require.Equal(t, shared.AuditRecurringChecked, repo.audits[len(repo.audits)-1].Action)
}

func TestServiceCheckWithoutPatternClearsFlag(t *testing.T) {
	repo := newMemoryPatternRepo()
	svc := newRecurringService(repo)
	inv := ap.Invoice{ID: uuid.New(), VendorID: uuid.New(), Total: decimal.NewFromInt(10), InvoiceDate: today, Recurring: true}
	repo.invoices[inv.ID] = inv

	check, err := svc.Check(context.Background(), inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.False(t, check.IsRecurring)
	require.False(t, repo.invoices[inv.ID].Recurring)
	require.Nil(t, repo.invoices[inv.ID].RecurringPatternID)
}

func TestServiceLearnRejectsUnstableVendor(t *testing.T) {
	repo := newMemoryPatternRepo()
	svc := newRecurringService(repo)
	vendorID := uuid.New()
	monthly(repo, vendorID, 1000, 1000)

	_, err := svc.Learn(context.Background(), vendorID)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.ActivePattern(context.Background(), vendorID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
