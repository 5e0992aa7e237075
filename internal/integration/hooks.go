// Package integration forwards ledger events to downstream systems through
// a Postgres outbox. The row is written by the same transaction as the
// mutation, and consumers (order fulfilment, purchasing suggestions) poll
// the outbox instead of being called inline, so a slow consumer can never
// block a mutation and a committed mutation can never lose its event.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agrihub-erp/agrihub-erp/internal/stock"
)

// EventStockDeducted is the outbox event type for stock reductions.
const EventStockDeducted = "stock.deducted"

// Hooks maps domain events from the stock ledger onto outbox rows.
type Hooks struct {
	now   func() time.Time
	newID func() string
}

// NewHooks constructs integration hooks.
func NewHooks() *Hooks {
	return &Hooks{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

type stockDeductedPayload struct {
	BranchID     int64       `json:"branchId"`
	ProductID    int64       `json:"productId"`
	VarietyID    int64       `json:"varietyId"`
	Quantity     int64       `json:"quantity"`
	ConsumedLots []stock.Lot `json:"consumedLots"`
	Reason       string      `json:"reason,omitempty"`
	OccurredAt   time.Time   `json:"occurredAt"`
}

func stockDeductedBody(evt stock.StockDeductedEvent) ([]byte, error) {
	return json.Marshal(stockDeductedPayload{
		BranchID:     evt.Key.BranchID,
		ProductID:    evt.Key.ProductID,
		VarietyID:    evt.Key.VarietyID,
		Quantity:     evt.Quantity,
		ConsumedLots: evt.ConsumedLots,
		Reason:       evt.Reason,
		OccurredAt:   evt.OccurredAt,
	})
}

// HandleStockDeducted writes the deduction into the outbox through the
// open mutation transaction. An error here rolls the mutation back.
func (h *Hooks) HandleStockDeducted(ctx context.Context, outbox stock.OutboxPort, evt stock.StockDeductedEvent) error {
	if h == nil {
		return nil
	}
	if evt.Quantity <= 0 {
		return errors.New("integration: deducted quantity required")
	}
	body, err := stockDeductedBody(evt)
	if err != nil {
		return err
	}
	return outbox.InsertIntegrationEvent(ctx, stock.IntegrationEvent{
		ID:        h.newID(),
		Type:      EventStockDeducted,
		Payload:   body,
		CreatedAt: h.now(),
	})
}
