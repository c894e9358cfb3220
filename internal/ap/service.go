package ap

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Service owns invoice ingestion and the externally driven lifecycle steps.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the invoice service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Ingest stores an extracted invoice and leaves it in the extracted state,
// ready for matching. Line totals default to quantity times unit price and the
// header total defaults to the sum of lines.
func (s *Service) Ingest(ctx context.Context, input IngestInput) (Invoice, error) {
	if err := shared.ValidateStruct("ap.Ingest", input); err != nil {
		return Invoice{}, err
	}
	seen := make(map[int]struct{}, len(input.Lines))
	for _, line := range input.Lines {
		if _, dup := seen[line.LineNo]; dup {
			return Invoice{}, shared.Validation("ap.Ingest", "duplicate line number %d", line.LineNo)
		}
		seen[line.LineNo] = struct{}{}
	}

	now := s.now()
	inv := Invoice{
		ID:              uuid.New(),
		Number:          input.Number,
		VendorID:        input.VendorID,
		PurchaseOrderID: input.PurchaseOrderID,
		Currency:        input.Currency,
		Department:      input.Department,
		Category:        input.Category,
		InvoiceDate:     input.InvoiceDate,
		Status:          StatusExtracted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sum := decimal.Zero
	for _, in := range input.Lines {
		line := InvoiceLine{
			ID:          uuid.New(),
			LineNo:      in.LineNo,
			Description: in.Description,
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			LineTotal:   in.LineTotal,
			POLineNo:    in.POLineNo,
		}
		if line.LineTotal.IsZero() {
			line.LineTotal = line.Amount()
		}
		sum = sum.Add(line.LineTotal)
		inv.Lines = append(inv.Lines, line)
	}
	inv.Total = input.Total
	if inv.Total.IsZero() {
		inv.Total = sum
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, StatusAudit(inv.ID, input.ActorID, shared.AuditInvoiceIngested, StatusIngested, StatusExtracted, map[string]any{
			"number":    inv.Number,
			"vendor_id": inv.VendorID.String(),
			"total":     inv.Total.String(),
			"currency":  inv.Currency,
			"lines":     len(inv.Lines),
		}))
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice ingested", slog.String("invoice_id", inv.ID.String()), slog.String("number", inv.Number))
	return inv, nil
}

// Get returns a live invoice with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// GetInvoice satisfies the reader ports of the matching and fraud services.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// List returns live invoices matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, filter)
}

// VendorInvoices returns the vendor's invoices dated on or after since.
func (s *Service) VendorInvoices(ctx context.Context, vendorID uuid.UUID, since time.Time) ([]Invoice, error) {
	return s.repo.VendorInvoices(ctx, vendorID, since)
}

// BeginMatching moves an extracted invoice into matching. Invoices already in
// matching are left as they are so a retried pipeline run can proceed.
func (s *Service) BeginMatching(ctx context.Context, id, actorID uuid.UUID) (Invoice, error) {
	var out Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusMatching {
			out = inv
			return nil
		}
		if err := tx.UpdateStatus(ctx, id, inv.Status, StatusMatching); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, StatusAudit(id, actorID, shared.AuditStatusChanged, inv.Status, StatusMatching, nil)); err != nil {
			return err
		}
		inv.Status = StatusMatching
		out = inv
		return nil
	})
	return out, err
}

// Transition applies a lifecycle step owned by a collaborator outside the core:
// extraction progress and payment.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, actorID uuid.UUID) (Invoice, error) {
	if !to.Valid() {
		return Invoice{}, shared.Validation("ap.Transition", "unknown status %q", to)
	}
	if !externallyDriven(to) {
		return Invoice{}, shared.PolicyViolation("ap.Transition", "status %s is set by the matching and approval engine", to)
	}
	var out Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, inv.Status, to); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, StatusAudit(id, actorID, shared.AuditStatusChanged, inv.Status, to, nil)); err != nil {
			return err
		}
		inv.Status = to
		out = inv
		return nil
	})
	return out, err
}

// Delete soft-deletes an invoice that has not entered approval.
func (s *Service) Delete(ctx context.Context, id, actorID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status.InApproval() || inv.Status == StatusApproved || inv.Status == StatusPaid {
			return shared.Conflict("ap.Delete", "invoice in status %s cannot be deleted", inv.Status)
		}
		if err := tx.SoftDelete(ctx, id, s.now()); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, StatusAudit(id, actorID, shared.AuditInvoiceDeleted, inv.Status, inv.Status, nil))
	})
}
