package matching

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
)

// InvoiceReader loads invoices with their lines.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
}

// ProcurementReader loads the purchase order side of a match.
type ProcurementReader interface {
	GetPurchaseOrder(ctx context.Context, id uuid.UUID) (procurement.PurchaseOrder, error)
	ListGoodsReceipts(ctx context.Context, poID uuid.UUID) ([]procurement.GoodsReceipt, error)
}

// ToleranceSource yields the active tolerance snapshot.
type ToleranceSource interface {
	Current(ctx context.Context) (tolerance.Config, error)
}

// Observer receives match outcomes.
type Observer interface {
	ObserveMatch(matchType, status string)
}

// Service runs the engine against stored data and persists each result.
type Service struct {
	repo        Repository
	invoices    InvoiceReader
	procurement ProcurementReader
	tolerance   ToleranceSource
	engine      *Engine
	metrics     Observer
	logger      *slog.Logger
}

// NewService wires the matching service.
func NewService(repo Repository, invoices InvoiceReader, proc ProcurementReader, tol ToleranceSource, metrics Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		invoices:    invoices,
		procurement: proc,
		tolerance:   tol,
		engine:      NewEngine(),
		metrics:     metrics,
		logger:      logger,
	}
}

// Match reconciles the invoice and stores a new result. It is the pipeline
// step: an invoice in matching moves to matched or exception. An invoice in any
// other status only gets a diagnostic result; re-routing goes through the
// pipeline.
func (s *Service) Match(ctx context.Context, invoiceID, actorID uuid.UUID) (Result, error) {
	return s.run(ctx, invoiceID, actorID, true)
}

// Rerun records a diagnostic result without touching the invoice status.
func (s *Service) Rerun(ctx context.Context, invoiceID, actorID uuid.UUID) (Result, error) {
	return s.run(ctx, invoiceID, actorID, false)
}

func (s *Service) run(ctx context.Context, invoiceID, actorID uuid.UUID, advance bool) (Result, error) {
	in, err := s.loadInput(ctx, invoiceID)
	if err != nil {
		return Result{}, err
	}
	res, err := s.engine.Match(in)
	if err != nil {
		return Result{}, err
	}

	var rerun bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == ap.StatusIngested || inv.Status == ap.StatusExtracting {
			return shared.Conflict("matching.Match", "invoice %s is still %s", invoiceID, inv.Status)
		}
		if err := tx.InsertResult(ctx, res); err != nil {
			return err
		}
		meta := resultMeta(res)

		if !advance || inv.Status != ap.StatusMatching {
			rerun = true
			return tx.InsertAudit(ctx, ap.StatusAudit(invoiceID, actorID, shared.AuditMatchRerun, inv.Status, inv.Status, meta))
		}
		to := InvoiceStatus(res)
		if err := tx.UpdateStatus(ctx, invoiceID, ap.StatusMatching, to); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, ap.StatusAudit(invoiceID, actorID, shared.AuditMatchCompleted, ap.StatusMatching, to, meta))
	})
	if err != nil {
		return Result{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveMatch(string(res.Type), string(res.Status))
	}
	s.logger.Info("invoice matched",
		slog.String("invoice_id", invoiceID.String()),
		slog.String("match_id", res.ID.String()),
		slog.String("type", string(res.Type)),
		slog.String("status", string(res.Status)),
		slog.Int64("tolerance_version", res.ToleranceVersion),
		slog.Bool("rerun", rerun),
	)
	return res, nil
}

// Latest returns the most recent result for the invoice.
func (s *Service) Latest(ctx context.Context, invoiceID uuid.UUID) (Result, error) {
	return s.repo.Latest(ctx, invoiceID)
}

// History returns every result for the invoice, newest first.
func (s *Service) History(ctx context.Context, invoiceID uuid.UUID) ([]Result, error) {
	return s.repo.History(ctx, invoiceID)
}

// InvoiceStatus maps a match outcome onto the invoice lifecycle.
func InvoiceStatus(res Result) ap.Status {
	if res.Routable() {
		return ap.StatusMatched
	}
	return ap.StatusException
}

func (s *Service) loadInput(ctx context.Context, invoiceID uuid.UUID) (Input, error) {
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Input{}, err
	}
	in := Input{Invoice: inv}
	if inv.PurchaseOrderID != nil {
		po, err := s.procurement.GetPurchaseOrder(ctx, *inv.PurchaseOrderID)
		if err != nil {
			return Input{}, fmt.Errorf("load purchase order: %w", err)
		}
		receipts, err := s.procurement.ListGoodsReceipts(ctx, po.ID)
		if err != nil {
			return Input{}, fmt.Errorf("load goods receipts: %w", err)
		}
		in.PO = &po
		in.Receipts = receipts
	}
	tol, err := s.tolerance.Current(ctx)
	if err != nil {
		return Input{}, fmt.Errorf("load tolerance: %w", err)
	}
	in.Tolerance = tol
	return in, nil
}

func resultMeta(res Result) map[string]any {
	codes := make([]string, 0, len(res.Exceptions))
	for _, exc := range res.Exceptions {
		codes = append(codes, exc.Code)
	}
	meta := map[string]any{
		"match_id":          res.ID.String(),
		"match_type":        string(res.Type),
		"match_status":      string(res.Status),
		"tolerance_version": res.ToleranceVersion,
		"exceptions":        codes,
	}
	if res.AmountVariance != nil {
		meta["amount_variance"] = res.AmountVariance.String()
	}
	return meta
}
