package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// InvoiceSource loads the scored invoice and the vendor's prior invoices.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]ap.Invoice, error)
}

// VendorSource loads vendor master data.
type VendorSource interface {
	GetVendor(ctx context.Context, id uuid.UUID) (procurement.Vendor, error)
}

// Observer receives score outcomes.
type Observer interface {
	ObserveFraudScore(score float64, incident bool)
}

// Outcome is the result of scoring one invoice.
type Outcome struct {
	Assessment
	Incident *Incident `json:"incident,omitempty"`
}

// Service scores invoices and records incidents.
type Service struct {
	repo     Repository
	invoices InvoiceSource
	vendors  VendorSource
	scorer   *Scorer
	metrics  Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the fraud service.
func NewService(repo Repository, invoices InvoiceSource, vendors VendorSource, scorer *Scorer, metrics Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		invoices: invoices,
		vendors:  vendors,
		scorer:   scorer,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Score evaluates the invoice and always records its fraud score. An incident
// is opened when the score reaches the reporting threshold, unless the latest
// incident already carries the same score and signals. Invoice status is never
// touched.
func (s *Service) Score(ctx context.Context, invoiceID, actorID uuid.UUID) (Outcome, error) {
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Outcome{}, err
	}
	history, err := s.history(ctx, inv)
	if err != nil {
		return Outcome{}, err
	}
	assessment := s.scorer.Score(inv, history)
	out := Outcome{Assessment: assessment}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := tx.SetFraudScore(ctx, invoiceID, assessment.Score); err != nil {
			return err
		}
		meta := map[string]any{
			"score":   assessment.Score,
			"signals": assessment.Names(),
		}
		if s.scorer.Reportable(assessment.Score) {
			last, err := tx.LatestIncident(ctx, invoiceID)
			if err != nil {
				return err
			}
			if last == nil || !sameIncident(*last, assessment) {
				incident := Incident{
					ID:        uuid.New(),
					InvoiceID: invoiceID,
					Score:     assessment.Score,
					Signals:   assessment.Signals,
					CreatedAt: s.now(),
				}
				if err := tx.InsertIncident(ctx, incident); err != nil {
					return err
				}
				out.Incident = &incident
				meta["incident_id"] = incident.ID.String()
			}
		}
		return tx.InsertAudit(ctx, shared.AuditEntry{
			InvoiceID:    invoiceID,
			ActorID:      actorID,
			Action:       shared.AuditFraudScored,
			Entity:       "invoice",
			EntityID:     invoiceID.String(),
			BeforeStatus: string(locked.Status),
			AfterStatus:  string(locked.Status),
			Meta:         meta,
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveFraudScore(assessment.Score, out.Incident != nil)
	}
	attrs := []any{
		slog.String("invoice_id", invoiceID.String()),
		slog.Float64("score", assessment.Score),
		slog.Any("signals", assessment.Names()),
	}
	if out.Incident != nil {
		s.logger.Warn("fraud incident opened", append(attrs, slog.String("incident_id", out.Incident.ID.String()))...)
	} else {
		s.logger.Info("invoice scored", attrs...)
	}
	return out, nil
}

// Incidents lists incidents recorded for the invoice, newest first.
func (s *Service) Incidents(ctx context.Context, invoiceID uuid.UUID) ([]Incident, error) {
	return s.repo.ListIncidents(ctx, invoiceID)
}

// ReportThreshold exposes the configured incident threshold.
func (s *Service) ReportThreshold() float64 {
	return s.scorer.Config().ReportThreshold
}

func (s *Service) history(ctx context.Context, inv ap.Invoice) (History, error) {
	vendor, err := s.vendors.GetVendor(ctx, inv.VendorID)
	if err != nil {
		return History{}, fmt.Errorf("load vendor: %w", err)
	}
	since := inv.InvoiceDate.Add(-s.scorer.Config().Lookback())
	prior, err := s.invoices.VendorInvoices(ctx, inv.VendorID, since)
	if err != nil {
		return History{}, fmt.Errorf("load vendor invoices: %w", err)
	}
	h := History{VendorOnboardedAt: vendor.OnboardedAt, BankAccountChangedAt: vendor.BankAccountChangedAt}
	for _, p := range prior {
		if p.ID == inv.ID {
			continue
		}
		h.Prior = append(h.Prior, PriorInvoice{ID: p.ID, Number: p.Number, Amount: p.Total, Date: p.InvoiceDate})
	}
	return h, nil
}

func sameIncident(last Incident, a Assessment) bool {
	if last.Score != a.Score {
		return false
	}
	return slices.Equal(Assessment{Signals: last.Signals}.Names(), a.Names())
}
