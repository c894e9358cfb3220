package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type stubTimelineRepo struct {
	rows        []TimelineRow
	lastFilters TimelineFilters
	lastOffset  int
	lastLimit   int
}

func (s *stubTimelineRepo) TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	s.lastFilters, s.lastOffset, s.lastLimit = filters, offset, limit
	end := offset + limit
	if offset > len(s.rows) {
		return nil, nil
	}
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return append([]TimelineRow(nil), s.rows[offset:end]...), nil
}

func (s *stubTimelineRepo) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	s.lastFilters = filters
	var out []TimelineRow
	for _, r := range s.rows {
		if filters.InvoiceID != uuid.Nil && (r.InvoiceID == nil || *r.InvoiceID != filters.InvoiceID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func row(invoiceID uuid.UUID, action string, at time.Time) TimelineRow {
	id := invoiceID
	return TimelineRow{
		ID:        uuid.New(),
		InvoiceID: &id,
		ActorID:   shared.SystemActor,
		Action:    action,
		Entity:    "invoice",
		EntityID:  invoiceID.String(),
		At:        at,
	}
}

func TestServiceTimelinePaging(t *testing.T) {
	inv := uuid.New()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	repo := &stubTimelineRepo{rows: []TimelineRow{
		row(inv, shared.AuditMatchCompleted, base),
		row(inv, shared.AuditFraudScored, base.Add(time.Minute)),
		row(inv, shared.AuditChainBuilt, base.Add(2*time.Minute)),
	}}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Equal(t, 3, repo.lastLimit)
	require.Zero(t, repo.lastOffset)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 1, result.Paging.PrevPage)
	require.Equal(t, 2, repo.lastOffset)
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, maxPageSize, result.Paging.PageSize)
	require.Equal(t, 1, result.Paging.Page)
	require.Equal(t, maxPageSize+1, repo.lastLimit)
}

func TestInvoiceTrailFiltersByInvoice(t *testing.T) {
	inv, other := uuid.New(), uuid.New()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	repo := &stubTimelineRepo{rows: []TimelineRow{
		row(inv, shared.AuditMatchCompleted, base),
		row(other, shared.AuditMatchCompleted, base),
		row(inv, shared.AuditTaskDecided, base.Add(time.Hour)),
	}}
	svc := NewService(repo)

	trail, err := svc.InvoiceTrail(context.Background(), inv)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, shared.AuditTaskDecided, trail[1].Action)
	require.True(t, trail[0].System())

	empty, err := svc.InvoiceTrail(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	_, err = svc.InvoiceTrail(context.Background(), uuid.Nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestExporterWritesCSV(t *testing.T) {
	inv := uuid.New()
	r := row(inv, shared.AuditStatusChanged, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	r.BeforeStatus, r.AfterStatus = "matching", "matched"
	r.Meta = map[string]any{"match_id": "m-1"}

	out, err := NewExporter().WriteCSV([]TimelineRow{r})
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, csvHeader, records[0])
	require.Equal(t, "2026-03-10T10:00:00Z", records[1][0])
	require.Equal(t, inv.String(), records[1][1])
	require.Equal(t, "matched", records[1][7])
	require.JSONEq(t, `{"match_id":"m-1"}`, records[1][8])
}
