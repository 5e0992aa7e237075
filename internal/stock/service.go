package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrihub-erp/agrihub-erp/internal/shared"
)

// RepositoryPort abstracts transactional repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// ErrorLogPort records internal failures outside the business audit trail.
type ErrorLogPort interface {
	Record(ctx context.Context, action, actor string, cause error) error
}

// CachePort invalidates read-side caches after a committed mutation.
type CachePort interface {
	Bump(ctx context.Context) error
}

// Service coordinates the ledger mutations. Every operation runs as one
// repeatable-read transaction with row locks on the touched triples, so
// the read-allocate-write sequence is serialized per record and the audit
// entry commits with the ledger change or not at all.
type Service struct {
	repo        RepositoryPort
	idempotency *shared.IdempotencyStore
	errlog      ErrorLogPort
	cache       CachePort
	integration IntegrationHandler
	now         func() time.Time
	newID       func() string
}

// NewService builds Service. All collaborators except repo are optional.
func NewService(repo RepositoryPort, idem *shared.IdempotencyStore, errlog ErrorLogPort, cache CachePort, integration IntegrationHandler) *Service {
	return &Service{
		repo:        repo,
		idempotency: idem,
		errlog:      errlog,
		cache:       cache,
		integration: integration,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Add receives dated lots into a branch, creating the record on first
// receipt. The boundary guarantees sum(lots) == quantity; the service
// re-checks so a caller bug surfaces as a mismatch, not as corruption.
func (s *Service) Add(ctx context.Context, actor shared.Actor, input AddInput) (MutationResult, error) {
	if err := validateMutation(actor, input.Key, input.Quantity); err != nil {
		return MutationResult{}, err
	}
	incoming, err := checkedLots(input.Lots, input.Quantity)
	if err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	err = s.mutate(ctx, actor, "add", input.RequestKey, func(ctx context.Context, tx TxRepository) error {
		rec, created, err := s.loadOrCreate(ctx, tx, input.Key)
		if err != nil {
			return err
		}
		old := rec.Quantity
		rec.Quantity += input.Quantity
		rec.Lots = mergeLots(rec.Lots, incoming)
		if err := s.writeRecord(ctx, tx, rec, created); err != nil {
			return err
		}
		result = MutationResult{StockID: rec.ID, OldQuantity: old, NewQuantity: rec.Quantity}
		return tx.InsertLogEntry(ctx, LogEntry{
			ID:            s.newID(),
			Type:          LogTypeAdd,
			BranchID:      input.Key.BranchID,
			ProductID:     input.Key.ProductID,
			VarietyID:     input.Key.VarietyID,
			Quantity:      input.Quantity,
			OldQuantity:   old,
			NewQuantity:   rec.Quantity,
			Lots:          incoming,
			PerformedBy:   actor.UID,
			PerformedRole: actor.Role,
			Reason:        input.Reason,
			CreatedAt:     s.now(),
		})
	})
	return result, err
}

// Deduct reduces stock, consuming the oldest lots first unless the caller
// names the exact lots being taken.
func (s *Service) Deduct(ctx context.Context, actor shared.Actor, input DeductInput) (MutationResult, error) {
	return s.reduce(ctx, actor, input, LogTypeDeduct)
}

// Reject removes a specific received batch. Unlike Deduct the lots are
// mandatory: a rejection always names the physical batch going back.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, input RejectInput) (MutationResult, error) {
	if len(input.Lots) == 0 {
		return MutationResult{}, errors.New("stock: reject requires the lots being rejected")
	}
	return s.reduce(ctx, actor, DeductInput(input), LogTypeReject)
}

func (s *Service) reduce(ctx context.Context, actor shared.Actor, input DeductInput, logType LogType) (MutationResult, error) {
	if err := validateMutation(actor, input.Key, input.Quantity); err != nil {
		return MutationResult{}, err
	}
	var explicit []Lot
	if len(input.Lots) > 0 {
		var err error
		if explicit, err = checkedLots(input.Lots, input.Quantity); err != nil {
			return MutationResult{}, err
		}
	}
	op := "deduct"
	if logType == LogTypeReject {
		op = "reject"
	}
	var result MutationResult
	err := s.mutate(ctx, actor, op, input.RequestKey, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetForUpdate(ctx, input.Key)
		if err != nil {
			return err
		}
		old := rec.Quantity
		var remaining, consumed []Lot
		if explicit != nil {
			remaining, consumed, err = consumeExplicit(rec.Lots, explicit)
		} else {
			remaining, consumed, err = consumeFIFO(rec.Lots, input.Quantity)
		}
		if err != nil {
			return err
		}
		rec.Quantity = old - input.Quantity
		rec.Lots = remaining
		if err := s.writeOrDelete(ctx, tx, rec); err != nil {
			return err
		}
		result = MutationResult{StockID: rec.ID, OldQuantity: old, NewQuantity: rec.Quantity}
		if err := tx.InsertLogEntry(ctx, LogEntry{
			ID:            s.newID(),
			Type:          logType,
			BranchID:      input.Key.BranchID,
			ProductID:     input.Key.ProductID,
			VarietyID:     input.Key.VarietyID,
			Quantity:      input.Quantity,
			OldQuantity:   old,
			NewQuantity:   rec.Quantity,
			Lots:          consumed,
			PerformedBy:   actor.UID,
			PerformedRole: actor.Role,
			Reason:        input.Reason,
			CreatedAt:     s.now(),
		}); err != nil {
			return err
		}
		if s.integration == nil {
			return nil
		}
		// outbox row commits with the deduction or not at all
		return s.integration.HandleStockDeducted(ctx, tx, StockDeductedEvent{
			Key:          input.Key,
			Quantity:     input.Quantity,
			ConsumedLots: consumed,
			Reason:       input.Reason,
			OccurredAt:   s.now(),
		})
	})
	if err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

// Transfer moves named lots between branches. The consumed lots are merged
// into the destination with their original receipt dates, both records and
// one combined log entry committing as a single transaction.
func (s *Service) Transfer(ctx context.Context, actor shared.Actor, input TransferInput) (TransferResult, error) {
	srcKey := Key{BranchID: input.SourceBranchID, ProductID: input.ProductID, VarietyID: input.VarietyID}
	dstKey := Key{BranchID: input.DestBranchID, ProductID: input.ProductID, VarietyID: input.VarietyID}
	if err := validateMutation(actor, srcKey, input.Quantity); err != nil {
		return TransferResult{}, err
	}
	if input.DestBranchID <= 0 {
		return TransferResult{}, errors.New("stock: destination branch required")
	}
	if input.SourceBranchID == input.DestBranchID {
		return TransferResult{}, ErrSameBranch
	}
	if len(input.Lots) == 0 {
		return TransferResult{}, errors.New("stock: transfer requires the lots being moved")
	}
	moving, err := checkedLots(input.Lots, input.Quantity)
	if err != nil {
		return TransferResult{}, err
	}
	var result TransferResult
	err = s.mutate(ctx, actor, "transfer", input.RequestKey, func(ctx context.Context, tx TxRepository) error {
		src, dst, dstCreated, err := s.lockPair(ctx, tx, srcKey, dstKey)
		if err != nil {
			return err
		}
		srcOld, dstOld := src.Quantity, dst.Quantity
		remaining, consumed, err := consumeExplicit(src.Lots, moving)
		if err != nil {
			return err
		}
		src.Quantity = srcOld - input.Quantity
		src.Lots = remaining
		dst.Quantity = dstOld + input.Quantity
		dst.Lots = mergeLots(dst.Lots, consumed)
		if err := s.writeOrDelete(ctx, tx, src); err != nil {
			return err
		}
		if err := s.writeRecord(ctx, tx, dst, dstCreated); err != nil {
			return err
		}
		result = TransferResult{
			SourceStockID:     src.ID,
			DestStockID:       dst.ID,
			SourceOldQuantity: srcOld,
			SourceNewQuantity: src.Quantity,
			DestOldQuantity:   dstOld,
			DestNewQuantity:   dst.Quantity,
		}
		return tx.InsertLogEntry(ctx, LogEntry{
			ID:              s.newID(),
			Type:            LogTypeTransfer,
			BranchID:        input.SourceBranchID,
			SourceBranchID:  input.SourceBranchID,
			DestBranchID:    input.DestBranchID,
			ProductID:       input.ProductID,
			VarietyID:       input.VarietyID,
			Quantity:        input.Quantity,
			OldQuantity:     srcOld,
			NewQuantity:     src.Quantity,
			DestOldQuantity: dstOld,
			DestNewQuantity: dst.Quantity,
			Lots:            consumed,
			PerformedBy:     actor.UID,
			PerformedRole:   actor.Role,
			Reason:          input.Reason,
			CreatedAt:       s.now(),
		})
	})
	return result, err
}

// Adjust reconciles the ledger against a physical count. An increase must
// declare the lots explaining it; a decrease names lots or falls back to
// oldest-first; an equal count with lots replaces the breakdown only.
func (s *Service) Adjust(ctx context.Context, actor shared.Actor, input AdjustInput) (MutationResult, error) {
	if !actor.Valid() {
		return MutationResult{}, errors.New("stock: actor identity required")
	}
	if err := validateKey(input.Key); err != nil {
		return MutationResult{}, err
	}
	if input.NewQuantity < 0 {
		return MutationResult{}, errors.New("stock: new quantity must not be negative")
	}
	// lot totals are checked against the delta below, once the record is loaded
	declared, err := checkedLots(input.Lots, 0)
	if err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	err = s.mutate(ctx, actor, "adjust", input.RequestKey, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetForUpdate(ctx, input.Key)
		if err != nil {
			return err
		}
		old := rec.Quantity
		delta := input.NewQuantity - old
		var affected []Lot
		switch {
		case delta == 0 && declared == nil:
			// count matches and no breakdown supplied: zero writes
			result = MutationResult{StockID: rec.ID, OldQuantity: old, NewQuantity: old}
			return nil
		case delta == 0:
			if sumLots(declared) != input.NewQuantity {
				return ErrLotQuantityMismatch
			}
			rec.Lots = declared
			affected = declared
		case delta > 0:
			if declared == nil || sumLots(declared) != delta {
				return ErrLotQuantityMismatch
			}
			rec.Lots = mergeLots(rec.Lots, declared)
			affected = declared
		default:
			reduceBy := -delta
			var remaining []Lot
			if declared != nil {
				if sumLots(declared) != reduceBy {
					return ErrLotQuantityMismatch
				}
				remaining, affected, err = consumeExplicit(rec.Lots, declared)
			} else {
				remaining, affected, err = consumeFIFO(rec.Lots, reduceBy)
			}
			if err != nil {
				return err
			}
			rec.Lots = remaining
		}
		rec.Quantity = input.NewQuantity
		if err := s.writeOrDelete(ctx, tx, rec); err != nil {
			return err
		}
		result = MutationResult{StockID: rec.ID, OldQuantity: old, NewQuantity: rec.Quantity}
		magnitude := delta
		if magnitude < 0 {
			magnitude = -magnitude
		}
		return tx.InsertLogEntry(ctx, LogEntry{
			ID:            s.newID(),
			Type:          LogTypeAdjust,
			BranchID:      input.Key.BranchID,
			ProductID:     input.Key.ProductID,
			VarietyID:     input.Key.VarietyID,
			Quantity:      magnitude,
			OldQuantity:   old,
			NewQuantity:   rec.Quantity,
			Lots:          affected,
			PerformedBy:   actor.UID,
			PerformedRole: actor.Role,
			Reason:        input.Reason,
			CreatedAt:     s.now(),
		})
	})
	return result, err
}

// mutate wraps one operation in the idempotency guard, the repository
// transaction, invariant error logging and cache invalidation.
func (s *Service) mutate(ctx context.Context, actor shared.Actor, op, requestKey string, fn func(context.Context, TxRepository) error) error {
	insertedKey := false
	if requestKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, fmt.Sprintf("stock:%s:%s", op, requestKey), "stock"); err != nil {
			return err
		}
		insertedKey = true
	}
	err := s.repo.WithTx(ctx, fn)
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, fmt.Sprintf("stock:%s:%s", op, requestKey))
		}
		if errors.Is(err, ErrInvariantViolation) && s.errlog != nil {
			_ = s.errlog.Record(ctx, "stock:"+op, actor.UID, err)
		}
		return err
	}
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	return nil
}

func (s *Service) loadOrCreate(ctx context.Context, tx TxRepository, key Key) (Record, bool, error) {
	rec, err := tx.GetForUpdate(ctx, key)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrStockNotFound) {
		return Record{}, false, err
	}
	now := s.now()
	return Record{ID: s.newID(), Key: key, CreatedAt: now, UpdatedAt: now}, true, nil
}

// lockPair locks source and destination in deterministic key order so two
// opposite transfers cannot deadlock, then maps them back to their roles.
func (s *Service) lockPair(ctx context.Context, tx TxRepository, srcKey, dstKey Key) (src, dst Record, dstCreated bool, err error) {
	first, second := srcKey, dstKey
	if second.Less(first) {
		first, second = second, first
	}
	records := make(map[Key]Record, 2)
	missing := make(map[Key]bool, 2)
	for _, key := range []Key{first, second} {
		rec, err := tx.GetForUpdate(ctx, key)
		if errors.Is(err, ErrStockNotFound) {
			missing[key] = true
			continue
		}
		if err != nil {
			return Record{}, Record{}, false, err
		}
		records[key] = rec
	}
	if missing[srcKey] {
		return Record{}, Record{}, false, ErrSourceStockNotFound
	}
	src = records[srcKey]
	if missing[dstKey] {
		now := s.now()
		return src, Record{ID: s.newID(), Key: dstKey, CreatedAt: now, UpdatedAt: now}, true, nil
	}
	return src, records[dstKey], false, nil
}

func (s *Service) writeRecord(ctx context.Context, tx TxRepository, rec Record, created bool) error {
	rec.UpdatedAt = s.now()
	if err := rec.Validate(); err != nil {
		return err
	}
	if created {
		return tx.Insert(ctx, rec)
	}
	return tx.Update(ctx, rec)
}

// writeOrDelete persists a mutated record, removing it entirely when the
// aggregate reaches zero: absence means "no stock", never "zero stock".
func (s *Service) writeOrDelete(ctx context.Context, tx TxRepository, rec Record) error {
	if rec.Quantity == 0 {
		return tx.Delete(ctx, rec.ID)
	}
	rec.UpdatedAt = s.now()
	if err := rec.Validate(); err != nil {
		return err
	}
	return tx.Update(ctx, rec)
}

func validateMutation(actor shared.Actor, key Key, quantity int64) error {
	if !actor.Valid() {
		return errors.New("stock: actor identity required")
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if quantity <= 0 {
		return errors.New("stock: quantity must be positive")
	}
	return nil
}

func validateKey(key Key) error {
	if key.BranchID <= 0 || key.ProductID <= 0 || key.VarietyID <= 0 {
		return errors.New("stock: branch, product and variety required")
	}
	return nil
}

// checkedLots normalizes caller-supplied lots and, when want is non-zero,
// verifies they total the declared quantity.
func checkedLots(lots []Lot, want int64) ([]Lot, error) {
	if len(lots) == 0 {
		return nil, nil
	}
	for _, lot := range lots {
		if lot.Date <= 0 {
			return nil, fmt.Errorf("stock: lot date %d is not a canonical day number", lot.Date)
		}
		if lot.Qty <= 0 {
			return nil, fmt.Errorf("stock: lot %d must have positive qty", lot.Date)
		}
	}
	normalized := normalizeLots(lots)
	if want != 0 && sumLots(normalized) != want {
		return nil, ErrLotQuantityMismatch
	}
	return normalized, nil
}
