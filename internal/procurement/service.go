package procurement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	GetPurchaseOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	ListGoodsReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error)
	GetVendor(ctx context.Context, id uuid.UUID) (Vendor, error)
}

// Service exposes the read side of procurement to matching and fraud scoring.
type Service struct {
	repo RepositoryPort
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetPurchaseOrder returns a PO with its lines.
func (s *Service) GetPurchaseOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

// ListGoodsReceipts returns receipts recorded against the PO.
func (s *Service) ListGoodsReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error) {
	return s.repo.ListGoodsReceipts(ctx, poID)
}

// GetVendor returns vendor master data.
func (s *Service) GetVendor(ctx context.Context, id uuid.UUID) (Vendor, error) {
	return s.repo.GetVendor(ctx, id)
}

// LineProgress compares ordered and received quantities for one PO line.
type LineProgress struct {
	LineNo      int             `json:"line_no"`
	Ordered     decimal.Decimal `json:"ordered"`
	Received    decimal.Decimal `json:"received"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Amount      decimal.Decimal `json:"amount"`
}

// ReceiptSummary is the PO view used by reviewers resolving match exceptions.
type ReceiptSummary struct {
	PurchaseOrder PurchaseOrder  `json:"purchase_order"`
	Receipts      []GoodsReceipt `json:"receipts"`
	Lines         []LineProgress `json:"lines"`
}

// Summarize loads a PO with its receipts and per-line received quantities.
func (s *Service) Summarize(ctx context.Context, poID uuid.UUID) (ReceiptSummary, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return ReceiptSummary{}, err
	}
	receipts, err := s.repo.ListGoodsReceipts(ctx, poID)
	if err != nil {
		return ReceiptSummary{}, fmt.Errorf("list receipts: %w", err)
	}
	received := ReceivedByLine(receipts)
	summary := ReceiptSummary{PurchaseOrder: po, Receipts: receipts}
	for _, line := range po.Lines {
		got := received[line.LineNo]
		summary.Lines = append(summary.Lines, LineProgress{
			LineNo:      line.LineNo,
			Ordered:     line.Quantity,
			Received:    got,
			Outstanding: line.Quantity.Sub(got),
			Amount:      line.Amount(),
		})
	}
	return summary, nil
}
