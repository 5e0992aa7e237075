package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrihub-erp/agrihub-erp/internal/shared"
)

// Repository persists the ledger in PostgreSQL. The stock record row is
// the unit of contention: GetForUpdate locks it for the duration of the
// mutation transaction, and lots are rewritten wholesale with the record.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the service.
type TxRepository interface {
	GetForUpdate(ctx context.Context, key Key) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	InsertLogEntry(ctx context.Context, entry LogEntry) error
	InsertIntegrationEvent(ctx context.Context, evt IntegrationEvent) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return mapTxError(err)
	}
	return mapTxError(tx.Commit(ctx))
}

// mapTxError converts serialization aborts (40001) and deadlocks (40P01)
// into the retryable conflict sentinel. At repeatable read a transaction
// that waited on another writer's row lock fails this way once the
// winner commits.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return ErrConflictingWrite
		}
	}
	return err
}

func (r *txRepository) GetForUpdate(ctx context.Context, key Key) (Record, error) {
	rec := Record{Key: key}
	err := r.tx.QueryRow(ctx, `SELECT id, quantity, created_at, updated_at FROM stock_records
WHERE branch_id=$1 AND product_id=$2 AND variety_id=$3 FOR UPDATE`,
		key.BranchID, key.ProductID, key.VarietyID).
		Scan(&rec.ID, &rec.Quantity, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrStockNotFound
		}
		return Record{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT lot_date, qty FROM stock_lots WHERE stock_id=$1 ORDER BY lot_date ASC`, rec.ID)
	if err != nil {
		return Record{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var lot Lot
		if err := rows.Scan(&lot.Date, &lot.Qty); err != nil {
			return Record{}, err
		}
		rec.Lots = append(rec.Lots, lot)
	}
	if err := rows.Err(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *txRepository) Insert(ctx context.Context, rec Record) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_records (id, branch_id, product_id, variety_id, quantity, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.Key.BranchID, rec.Key.ProductID, rec.Key.VarietyID, rec.Quantity, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// another transaction created the triple between our lookup and insert
			return ErrConflictingWrite
		}
		return err
	}
	return r.writeLots(ctx, rec.ID, rec.Lots)
}

func (r *txRepository) Update(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_records SET quantity=$2, updated_at=$3 WHERE id=$1`,
		rec.ID, rec.Quantity, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStockNotFound
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_lots WHERE stock_id=$1`, rec.ID); err != nil {
		return err
	}
	return r.writeLots(ctx, rec.ID, rec.Lots)
}

func (r *txRepository) Delete(ctx context.Context, id string) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM stock_records WHERE id=$1`, id)
	return err
}

func (r *txRepository) writeLots(ctx context.Context, stockID string, lots []Lot) error {
	for _, lot := range lots {
		if _, err := r.tx.Exec(ctx, `INSERT INTO stock_lots (stock_id, lot_date, qty) VALUES ($1,$2,$3)`,
			stockID, lot.Date, lot.Qty); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertLogEntry(ctx context.Context, entry LogEntry) error {
	lots, err := json.Marshal(entry.Lots)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO inventory_logs
(id, log_type, branch_id, source_branch_id, dest_branch_id, product_id, variety_id,
 quantity, old_quantity, new_quantity, dest_old_quantity, dest_new_quantity,
 lots, performed_by, performed_role, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		entry.ID, string(entry.Type), entry.BranchID,
		nullInt(entry.SourceBranchID), nullInt(entry.DestBranchID),
		entry.ProductID, entry.VarietyID,
		entry.Quantity, entry.OldQuantity, entry.NewQuantity,
		nullableQty(entry.Type, entry.DestOldQuantity), nullableQty(entry.Type, entry.DestNewQuantity),
		lots, entry.PerformedBy, entry.PerformedRole, entry.Reason, entry.CreatedAt)
	return err
}

func (r *txRepository) InsertIntegrationEvent(ctx context.Context, evt IntegrationEvent) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO integration_events (id, event_type, payload, created_at) VALUES ($1,$2,$3,$4)`,
		evt.ID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// BranchStock lists records for a branch ordered by last update,
// optionally narrowed to one product or variety.
func (r *Repository) BranchStock(ctx context.Context, filter BranchStockFilter) ([]Record, error) {
	if r == nil {
		return nil, errors.New("stock repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, branch_id, product_id, variety_id, quantity, created_at, updated_at
FROM stock_records
WHERE branch_id=$1 AND ($2=0 OR product_id=$2) AND ($3=0 OR variety_id=$3)
ORDER BY updated_at DESC`, filter.BranchID, filter.ProductID, filter.VarietyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	ids := []string{}
	byID := map[string]int{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Key.BranchID, &rec.Key.ProductID, &rec.Key.VarietyID,
			&rec.Quantity, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		byID[rec.ID] = len(records)
		ids = append(ids, rec.ID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return records, nil
	}
	lotRows, err := r.pool.Query(ctx, `SELECT stock_id, lot_date, qty FROM stock_lots WHERE stock_id = ANY($1) ORDER BY lot_date ASC`, ids)
	if err != nil {
		return nil, err
	}
	defer lotRows.Close()
	for lotRows.Next() {
		var stockID string
		var lot Lot
		if err := lotRows.Scan(&stockID, &lot.Date, &lot.Qty); err != nil {
			return nil, err
		}
		if idx, ok := byID[stockID]; ok {
			records[idx].Lots = append(records[idx].Lots, lot)
		}
	}
	if err := lotRows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Logs pages the audit trail descending by (created_at, id) from the
// cursor position. A branch filter matches entries where the branch is
// either side of a transfer.
func (r *Repository) Logs(ctx context.Context, filter LogFilter, cursor shared.Cursor, limit int) ([]LogEntry, error) {
	if r == nil {
		return nil, errors.New("stock repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, log_type, branch_id, source_branch_id, dest_branch_id,
 product_id, variety_id, quantity, old_quantity, new_quantity,
 dest_old_quantity, dest_new_quantity, lots, performed_by, performed_role, reason, created_at
FROM inventory_logs
WHERE ($1=0 OR branch_id=$1 OR dest_branch_id=$1)
  AND ($2='' OR log_type=$2)
  AND ($3::timestamptz IS NULL OR created_at >= $3)
  AND ($4::timestamptz IS NULL OR created_at <= $4)
  AND ($5::timestamptz IS NULL OR (created_at, id) < ($5, $6::uuid))
ORDER BY created_at DESC, id DESC
LIMIT $7`,
		filter.BranchID, string(filter.Type), nullTime(filter.From), nullTime(filter.To),
		nullTime(cursor.At), nullText(cursor.ID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []LogEntry{}
	for rows.Next() {
		var entry LogEntry
		var logType string
		var srcBranch, dstBranch, destOld, destNew *int64
		var lots []byte
		if err := rows.Scan(&entry.ID, &logType, &entry.BranchID, &srcBranch, &dstBranch,
			&entry.ProductID, &entry.VarietyID, &entry.Quantity, &entry.OldQuantity, &entry.NewQuantity,
			&destOld, &destNew, &lots, &entry.PerformedBy, &entry.PerformedRole, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Type = LogType(logType)
		entry.SourceBranchID = deref(srcBranch)
		entry.DestBranchID = deref(dstBranch)
		entry.DestOldQuantity = deref(destOld)
		entry.DestNewQuantity = deref(destNew)
		if err := json.Unmarshal(lots, &entry.Lots); err != nil {
			return nil, fmt.Errorf("stock: decode log lots: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullableQty(logType LogType, value int64) any {
	if logType != LogTypeTransfer {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
