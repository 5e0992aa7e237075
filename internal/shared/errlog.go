package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrorLog records internal failures for operational triage. It is a
// separate table from the business audit trail: invariant violations and
// unexpected errors land here, never in inventory_logs.
type ErrorLog struct {
	pool *pgxpool.Pool
}

// NewErrorLog returns a new ErrorLog.
func NewErrorLog(pool *pgxpool.Pool) *ErrorLog {
	return &ErrorLog{pool: pool}
}

// Record persists one failure entry.
func (l *ErrorLog) Record(ctx context.Context, action, actor string, cause error) error {
	if l == nil {
		return errors.New("error log not initialised")
	}
	if action == "" || cause == nil {
		return errors.New("error log requires action and cause")
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO error_logs (action, actor, message, occurred_at) VALUES ($1, $2, $3, $4)`,
		action, actor, cause.Error(), time.Now().UTC())
	return err
}
