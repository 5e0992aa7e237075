package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrihub-erp/agrihub-erp/internal/stock"
)

type captureOutbox struct {
	events []stock.IntegrationEvent
}

func (o *captureOutbox) InsertIntegrationEvent(ctx context.Context, evt stock.IntegrationEvent) error {
	o.events = append(o.events, evt)
	return nil
}

func TestHandleStockDeductedWritesOutboxRow(t *testing.T) {
	occurred := time.Date(2025, 8, 15, 9, 30, 0, 0, time.UTC)
	outbox := &captureOutbox{}

	err := NewHooks().HandleStockDeducted(context.Background(), outbox, stock.StockDeductedEvent{
		Key:          stock.Key{BranchID: 1, ProductID: 7, VarietyID: 3},
		Quantity:     6,
		ConsumedLots: []stock.Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 1}},
		Reason:       "order",
		OccurredAt:   occurred,
	})
	require.NoError(t, err)

	require.Len(t, outbox.events, 1)
	evt := outbox.events[0]
	require.Equal(t, EventStockDeducted, evt.Type)
	require.NotEmpty(t, evt.ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &decoded))
	require.EqualValues(t, 1, decoded["branchId"])
	require.EqualValues(t, 6, decoded["quantity"])
	require.Equal(t, "order", decoded["reason"])
	require.Len(t, decoded["consumedLots"], 2)
}

func TestNilHooksAreInert(t *testing.T) {
	var hooks *Hooks
	err := hooks.HandleStockDeducted(context.Background(), nil, stock.StockDeductedEvent{Quantity: 1})
	require.NoError(t, err)
}
