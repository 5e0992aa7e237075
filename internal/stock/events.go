package stock

import (
	"context"
	"time"
)

// IntegrationEvent is one outbox row. It is inserted by the same
// transaction as the mutation it describes, so the event exists exactly
// when the ledger change committed.
type IntegrationEvent struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// OutboxPort persists integration events. TxRepository satisfies it, so
// handlers write through the open mutation transaction.
type OutboxPort interface {
	InsertIntegrationEvent(ctx context.Context, evt IntegrationEvent) error
}

// IntegrationHandler turns ledger events into outbox rows other modules
// consume. The order workflow remembers the consumed lots so a return
// restocks exactly the batches that were taken.
type IntegrationHandler interface {
	HandleStockDeducted(ctx context.Context, outbox OutboxPort, evt StockDeductedEvent) error
}

// StockDeductedEvent describes a deduction or rejection being committed.
type StockDeductedEvent struct {
	Key          Key
	Quantity     int64
	ConsumedLots []Lot
	Reason       string
	OccurredAt   time.Time
}
