package recurring

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// InvoiceSource loads invoices for checks and learning.
type InvoiceSource interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]ap.Invoice, error)
}

// Service checks invoices against vendor patterns and learns patterns.
type Service struct {
	repo     Repository
	invoices InvoiceSource
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the recurring service.
func NewService(repo Repository, invoices InvoiceSource, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invoices: invoices, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Check compares the invoice with its vendor's active pattern and records the
// recurring flag and pattern reference on the invoice.
func (s *Service) Check(ctx context.Context, invoiceID, actorID uuid.UUID) (Check, error) {
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Check{}, err
	}
	pattern, err := s.repo.ActivePattern(ctx, inv.VendorID)
	if err != nil {
		return Check{}, err
	}
	check := CheckRecurring(inv, pattern)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		var ref *uuid.UUID
		if check.IsRecurring {
			ref = check.PatternID
		}
		if err := tx.SetRecurring(ctx, invoiceID, check.IsRecurring, ref); err != nil {
			return err
		}
		meta := map[string]any{
			"is_recurring": check.IsRecurring,
			"fast_track":   check.FastTrack,
		}
		if check.PatternID != nil {
			meta["pattern_id"] = check.PatternID.String()
			meta["deviation_pct"] = check.DeviationPct.String()
		}
		return tx.InsertAudit(ctx, shared.AuditEntry{
			InvoiceID:    invoiceID,
			ActorID:      actorID,
			Action:       shared.AuditRecurringChecked,
			Entity:       "invoice",
			EntityID:     invoiceID.String(),
			BeforeStatus: string(locked.Status),
			AfterStatus:  string(locked.Status),
			Meta:         meta,
		})
	})
	if err != nil {
		return Check{}, err
	}
	s.logger.Info("recurring check",
		slog.String("invoice_id", invoiceID.String()),
		slog.Bool("recurring", check.IsRecurring),
		slog.Bool("fast_track", check.FastTrack),
	)
	return check, nil
}

// Learn derives a pattern from the vendor's recent invoices and makes it the
// vendor's only active pattern. The auto-fast-track flag of a replaced pattern
// carries over.
func (s *Service) Learn(ctx context.Context, vendorID uuid.UUID) (Pattern, error) {
	now := s.now()
	history, err := s.invoices.VendorInvoices(ctx, vendorID, now.Add(-s.cfg.LearnWindow))
	if err != nil {
		return Pattern{}, err
	}
	learned, ok := Learn(s.cfg, vendorID, history)
	if !ok {
		return Pattern{}, shared.Validation("recurring.Learn", "vendor %s has no stable billing pattern", vendorID)
	}
	learned.ID = uuid.New()
	learned.CreatedAt = now
	learned.UpdatedAt = now

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prev, err := tx.DeactivatePatterns(ctx, vendorID)
		if err != nil {
			return err
		}
		if prev != nil {
			learned.AutoFastTrack = prev.AutoFastTrack
		}
		return tx.InsertPattern(ctx, learned)
	})
	if err != nil {
		return Pattern{}, err
	}
	s.logger.Info("recurring pattern learned",
		slog.String("vendor_id", vendorID.String()),
		slog.String("avg_amount", learned.AvgAmount.String()),
		slog.Int("frequency_days", learned.FrequencyDays),
	)
	return learned, nil
}

// ActivePattern returns the vendor's active pattern.
func (s *Service) ActivePattern(ctx context.Context, vendorID uuid.UUID) (Pattern, error) {
	p, err := s.repo.ActivePattern(ctx, vendorID)
	if err != nil {
		return Pattern{}, err
	}
	if p == nil {
		return Pattern{}, shared.NotFound("recurring.ActivePattern", "recurring pattern for vendor", vendorID)
	}
	return *p, nil
}

// SetAutoFastTrack toggles fast-track on the vendor's active pattern.
func (s *Service) SetAutoFastTrack(ctx context.Context, vendorID uuid.UUID, on bool) (Pattern, error) {
	var out Pattern
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.UpdateAutoFastTrack(ctx, vendorID, on, s.now())
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}
