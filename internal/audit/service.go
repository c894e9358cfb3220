package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Repository reads audit_logs.
type Repository interface {
	// TimelineWindow returns newest entries first.
	TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error)
	// TimelineAll returns every matching entry in chronological order.
	TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error)
}

// Service serves the audit trail read models.
type Service struct {
	repo Repository
}

// NewService creates the audit read service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of audit entries.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	page := shared.NewPageRequest(filters.Page, filters.PageSize, defaultPageSize, maxPageSize)
	rows, err := s.repo.TimelineWindow(ctx, filters, page.Offset(), page.Limit())
	if err != nil {
		return Result{}, err
	}
	info := page.Info(len(rows))
	if info.HasNext {
		rows = rows[:page.Size]
	}
	return Result{Rows: rows, Paging: info}, nil
}

// Export returns every entry matching filters without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.TimelineAll(ctx, filters)
}

// InvoiceTrail returns the complete chronological trail of one invoice.
func (s *Service) InvoiceTrail(ctx context.Context, invoiceID uuid.UUID) ([]TimelineRow, error) {
	if invoiceID == uuid.Nil {
		return nil, shared.Validation("audit.InvoiceTrail", "invoice id is required")
	}
	rows, err := s.Export(ctx, TimelineFilters{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return rows, nil
}
