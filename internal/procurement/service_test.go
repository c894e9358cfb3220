package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type memoryRepo struct {
	pos      map[uuid.UUID]PurchaseOrder
	receipts map[uuid.UUID][]GoodsReceipt
	vendors  map[uuid.UUID]Vendor
}

func (m *memoryRepo) GetPurchaseOrder(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	po, ok := m.pos[id]
	if !ok {
		return PurchaseOrder{}, shared.NotFound("get", "purchase order", id)
	}
	return po, nil
}

func (m *memoryRepo) ListGoodsReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error) {
	return m.receipts[poID], nil
}

func (m *memoryRepo) GetVendor(ctx context.Context, id uuid.UUID) (Vendor, error) {
	v, ok := m.vendors[id]
	if !ok {
		return Vendor{}, shared.NotFound("get", "vendor", id)
	}
	return v, nil
}

func TestReceivedByLineSumsPostedReceipts(t *testing.T) {
	receipts := []GoodsReceipt{
		{Status: GRNStatusPosted, Lines: []GRNLine{{POLineNo: 1, Quantity: decimal.NewFromInt(4)}, {POLineNo: 2, Quantity: decimal.NewFromInt(1)}}},
		{Status: GRNStatusPosted, Lines: []GRNLine{{POLineNo: 1, Quantity: decimal.NewFromInt(6)}}},
		{Status: GRNStatusCancelled, Lines: []GRNLine{{POLineNo: 1, Quantity: decimal.NewFromInt(100)}}},
	}
	got := ReceivedByLine(receipts)
	require.True(t, got[1].Equal(decimal.NewFromInt(10)))
	require.True(t, got[2].Equal(decimal.NewFromInt(1)))
	_, ok := got[3]
	require.False(t, ok)
	require.True(t, HasPostedReceipt(receipts))
	require.False(t, HasPostedReceipt(receipts[2:]))
}

func TestSummarizeComputesOutstanding(t *testing.T) {
	poID := uuid.New()
	repo := &memoryRepo{
		pos: map[uuid.UUID]PurchaseOrder{poID: {
			ID:     poID,
			Status: POStatusApproved,
			Lines: []POLine{
				{LineNo: 1, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(100)},
				{LineNo: 2, Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(20)},
			},
		}},
		receipts: map[uuid.UUID][]GoodsReceipt{poID: {
			{ID: uuid.New(), POID: poID, Status: GRNStatusPosted, ReceivedAt: time.Now(), Lines: []GRNLine{{POLineNo: 1, Quantity: decimal.NewFromInt(8)}}},
		}},
	}
	summary, err := NewService(repo).Summarize(context.Background(), poID)
	require.NoError(t, err)
	require.Len(t, summary.Lines, 2)
	require.True(t, summary.Lines[0].Outstanding.Equal(decimal.NewFromInt(2)))
	require.True(t, summary.Lines[0].Amount.Equal(decimal.NewFromInt(1000)))
	require.True(t, summary.Lines[1].Received.IsZero())

	_, err = NewService(repo).Summarize(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}
