package fraud

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type memoryFraudRepo struct {
	mu        sync.Mutex
	invoices  map[uuid.UUID]ap.Invoice
	incidents []Incident
	audits    []shared.AuditEntry
}

type memoryFraudTx struct {
	repo *memoryFraudRepo
}

func newMemoryFraudRepo() *memoryFraudRepo {
	return &memoryFraudRepo{invoices: make(map[uuid.UUID]ap.Invoice)}
}

func (r *memoryFraudRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	invoices := make(map[uuid.UUID]ap.Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invoices[k] = v
	}
	incidents, audits := len(r.incidents), len(r.audits)
	if err := fn(ctx, &memoryFraudTx{repo: r}); err != nil {
		r.invoices = invoices
		r.incidents = r.incidents[:incidents]
		r.audits = r.audits[:audits]
		return err
	}
	return nil
}

func (r *memoryFraudRepo) ListIncidents(ctx context.Context, invoiceID uuid.UUID) ([]Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Incident
	for i := len(r.incidents) - 1; i >= 0; i-- {
		if r.incidents[i].InvoiceID == invoiceID {
			out = append(out, r.incidents[i])
		}
	}
	return out, nil
}

func (r *memoryFraudRepo) GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NotFound("get", "invoice", id)
	}
	return inv, nil
}

func (r *memoryFraudRepo) VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]ap.Invoice, error) {
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

func (t *memoryFraudTx) LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NotFound("lock", "invoice", id)
	}
	return inv, nil
}

func (t *memoryFraudTx) SetFraudScore(ctx context.Context, id uuid.UUID, score float64) error {
	inv := t.repo.invoices[id]
	inv.FraudScore = &score
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryFraudTx) InsertAudit(ctx context.Context, entry shared.AuditEntry) error {
	t.repo.audits = append(t.repo.audits, entry)
	return nil
}

func (t *memoryFraudTx) LatestIncident(ctx context.Context, invoiceID uuid.UUID) (*Incident, error) {
	for i := len(t.repo.incidents) - 1; i >= 0; i-- {
		if t.repo.incidents[i].InvoiceID == invoiceID {
			inc := t.repo.incidents[i]
			return &inc, nil
		}
	}
	return nil, nil
}

func (t *memoryFraudTx) InsertIncident(ctx context.Context, incident Incident) error {
	t.repo.incidents = append(t.repo.incidents, incident)
	return nil
}

type memoryVendors map[uuid.UUID]procurement.Vendor

func (m memoryVendors) GetVendor(ctx context.Context, id uuid.UUID) (procurement.Vendor, error) {
	v, ok := m[id]
	if !ok {
		return procurement.Vendor{}, shared.NotFound("get", "vendor", id)
	}
	return v, nil
}

type recordingObserver struct {
	scores    []float64
	incidents int
}

func (o *recordingObserver) ObserveFraudScore(score float64, incident bool) {
	o.scores = append(o.scores, score)
	if incident {
		o.incidents++
	}
}

func seedInvoice(repo *memoryFraudRepo, vendorID uuid.UUID, number string, total int64, status ap.Status) ap.Invoice {
	inv := ap.Invoice{
		ID:          uuid.New(),
		Number:      number,
		VendorID:    vendorID,
		Currency:    "USD",
		Total:       decimal.NewFromInt(total),
		InvoiceDate: invoiceDay,
		Status:      status,
	}
	repo.invoices[inv.ID] = inv
	return inv
}

func TestServiceRecordsScoreWithoutIncident(t *testing.T) {
	repo := newMemoryFraudRepo()
	vendorID := uuid.New()
	vendors := memoryVendors{vendorID: {ID: vendorID, OnboardedAt: invoiceDay.AddDate(0, 0, -10)}}
	inv := seedInvoice(repo, vendorID, "INV-1", 20000, ap.StatusMatching)
	observer := &recordingObserver{}
	svc := NewService(repo, repo, vendors, NewScorer(DefaultConfig()), observer, nil)

	out, err := svc.Score(context.Background(), inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.InDelta(t, 0.3, out.Score, 1e-9)
	require.Nil(t, out.Incident)
	require.InDelta(t, 0.3, *repo.invoices[inv.ID].FraudScore, 1e-9)
	require.Equal(t, ap.StatusMatching, repo.invoices[inv.ID].Status)
	require.Len(t, repo.audits, 1)
	require.Equal(t, shared.AuditFraudScored, repo.audits[0].Action)
	require.Equal(t, []float64{0.3}, observer.scores)
	require.Zero(t, observer.incidents)
}

func TestServiceOpensIncidentOnceForSameSignals(t *testing.T) {
	repo := newMemoryFraudRepo()
	vendorID := uuid.New()
	changed := invoiceDay.AddDate(0, 0, -2)
	vendors := memoryVendors{vendorID: {ID: vendorID, OnboardedAt: invoiceDay.AddDate(-3, 0, 0), BankAccountChangedAt: &changed}}
	inv := seedInvoice(repo, vendorID, "INV-1", 800, ap.StatusMatching)
	svc := NewService(repo, repo, vendors, NewScorer(DefaultConfig()), nil, nil)
	ctx := context.Background()

	out, err := svc.Score(ctx, inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.NotNil(t, out.Incident)
	require.Equal(t, []Hit{out.Signals[0]}, out.Incident.Signals)

	out, err = svc.Score(ctx, inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.Nil(t, out.Incident)

	// A second invoice with the same number adds the duplicate signal.
	seedInvoice(repo, vendorID, "INV-1", 800, ap.StatusPaid)
	out, err = svc.Score(ctx, inv.ID, shared.SystemActor)
	require.NoError(t, err)
	require.NotNil(t, out.Incident)
	require.Equal(t, 1.0, out.Score)

	incidents, err := svc.Incidents(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	require.Equal(t, 1.0, incidents[0].Score)
	require.Len(t, repo.audits, 3)
}

func TestServiceUnknownVendorFails(t *testing.T) {
	repo := newMemoryFraudRepo()
	inv := seedInvoice(repo, uuid.New(), "INV-1", 100, ap.StatusMatching)
	svc := NewService(repo, repo, memoryVendors{}, NewScorer(DefaultConfig()), nil, nil)

	_, err := svc.Score(context.Background(), inv.ID, shared.SystemActor)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Nil(t, repo.invoices[inv.ID].FraudScore)
	require.Empty(t, repo.audits)
}
