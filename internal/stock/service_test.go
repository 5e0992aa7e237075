package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agrihub-erp/agrihub-erp/internal/shared"
)

type memoryRepo struct {
	records map[Key]Record
	logs    []LogEntry
	events  []IntegrationEvent
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[Key]Record)}
}

// WithTx snapshots state and restores it when fn fails, so the fake has
// the same all-or-nothing behavior as the real transaction.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	before := make(map[Key]Record, len(r.records))
	for k, v := range r.records {
		v.Lots = cloneLots(v.Lots)
		before[k] = v
	}
	logCount := len(r.logs)
	eventCount := len(r.events)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.records = before
		r.logs = r.logs[:logCount]
		r.events = r.events[:eventCount]
		return err
	}
	return nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, key Key) (Record, error) {
	rec, ok := tx.repo.records[key]
	if !ok {
		return Record{}, ErrStockNotFound
	}
	rec.Lots = cloneLots(rec.Lots)
	return rec, nil
}

func (tx *memoryTx) Insert(ctx context.Context, rec Record) error {
	tx.repo.records[rec.Key] = rec
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, rec Record) error {
	if _, ok := tx.repo.records[rec.Key]; !ok {
		return ErrStockNotFound
	}
	tx.repo.records[rec.Key] = rec
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, id string) error {
	for key, rec := range tx.repo.records {
		if rec.ID == id {
			delete(tx.repo.records, key)
			return nil
		}
	}
	return ErrStockNotFound
}

func (tx *memoryTx) InsertLogEntry(ctx context.Context, entry LogEntry) error {
	tx.repo.logs = append(tx.repo.logs, entry)
	return nil
}

func (tx *memoryTx) InsertIntegrationEvent(ctx context.Context, evt IntegrationEvent) error {
	tx.repo.events = append(tx.repo.events, evt)
	return nil
}

var (
	testActor = shared.Actor{UID: "u-100", Role: "inventory_manager"}
	testKey   = Key{BranchID: 1, ProductID: 7, VarietyID: 3}
)

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, nil)
}

func TestAddCreatesRecordOnFirstReceipt(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	result, err := svc.Add(ctx, testActor, AddInput{
		Key:      testKey,
		Quantity: 8,
		Lots:     []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}},
		Reason:   "delivery",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), result.OldQuantity)
	require.Equal(t, int64(8), result.NewQuantity)
	require.NotEmpty(t, result.StockID)

	rec := repo.records[testKey]
	require.Equal(t, int64(8), rec.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}, rec.Lots)

	require.Len(t, repo.logs, 1)
	entry := repo.logs[0]
	require.Equal(t, LogTypeAdd, entry.Type)
	require.Equal(t, int64(0), entry.OldQuantity)
	require.Equal(t, int64(8), entry.NewQuantity)
	require.Equal(t, testActor.UID, entry.PerformedBy)
}

func TestAddMergesSameDateLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)
	_, err = svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 4, Lots: []Lot{{Date: 20090, Qty: 1}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(9), rec.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 6}, {Date: 20100, Qty: 3}}, rec.Lots)
}

func TestAddRejectsLotSumMismatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.Add(context.Background(), testActor, AddInput{
		Key:      testKey,
		Quantity: 10,
		Lots:     []Lot{{Date: 20090, Qty: 5}},
	})
	require.ErrorIs(t, err, ErrLotQuantityMismatch)
	require.Empty(t, repo.records)
	require.Empty(t, repo.logs)
}

func TestDeductConsumesOldestLotsFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	result, err := svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 6, Reason: "order"})
	require.NoError(t, err)
	require.Equal(t, int64(8), result.OldQuantity)
	require.Equal(t, int64(2), result.NewQuantity)

	rec := repo.records[testKey]
	require.Equal(t, []Lot{{Date: 20100, Qty: 2}}, rec.Lots)

	entry := repo.logs[len(repo.logs)-1]
	require.Equal(t, LogTypeDeduct, entry.Type)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 1}}, entry.Lots)
}

func TestDeductExplicitLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 3, Lots: []Lot{{Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(5), rec.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}}, rec.Lots)
}

func TestDeductInsufficientStockLeavesStateUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)
	logCount := len(repo.logs)

	_, err = svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 9})
	require.ErrorIs(t, err, ErrInsufficientStock)

	rec := repo.records[testKey]
	require.Equal(t, int64(8), rec.Quantity)
	require.Len(t, repo.logs, logCount, "failed mutation must not log")
}

func TestDeductMissingRecord(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.Deduct(context.Background(), testActor, DeductInput{Key: testKey, Quantity: 1})
	require.ErrorIs(t, err, ErrStockNotFound)
}

func TestDeductDrainsRecordToDeletion(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)

	result, err := svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 5})
	require.NoError(t, err)
	require.Equal(t, int64(0), result.NewQuantity)

	_, exists := repo.records[testKey]
	require.False(t, exists, "record at zero must be removed")
}

func TestRejectRequiresLots(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.Reject(context.Background(), testActor, RejectInput{Key: testKey, Quantity: 2})
	require.Error(t, err)
}

func TestRejectNamedBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	_, err = svc.Reject(ctx, testActor, RejectInput{Key: testKey, Quantity: 3, Lots: []Lot{{Date: 20100, Qty: 3}}, Reason: "damaged on arrival"})
	require.NoError(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(5), rec.Quantity)
	require.Equal(t, LogTypeReject, repo.logs[len(repo.logs)-1].Type)
}

func TestTransferMovesLotsPreservingDates(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{
		Key:      testKey,
		Quantity: 8,
		Lots:     []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}},
	})
	require.NoError(t, err)

	result, err := svc.Transfer(ctx, testActor, TransferInput{
		SourceBranchID: 1,
		DestBranchID:   2,
		ProductID:      7,
		VarietyID:      3,
		Quantity:       5,
		Lots:           []Lot{{Date: 20090, Qty: 5}},
		Reason:         "rebalance",
	})
	require.NoError(t, err)
	require.Equal(t, int64(8), result.SourceOldQuantity)
	require.Equal(t, int64(3), result.SourceNewQuantity)
	require.Equal(t, int64(0), result.DestOldQuantity)
	require.Equal(t, int64(5), result.DestNewQuantity)

	src := repo.records[testKey]
	require.Equal(t, []Lot{{Date: 20100, Qty: 3}}, src.Lots)

	dstKey := Key{BranchID: 2, ProductID: 7, VarietyID: 3}
	dst := repo.records[dstKey]
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}}, dst.Lots, "receipt date must survive the move")

	entry := repo.logs[len(repo.logs)-1]
	require.Equal(t, LogTypeTransfer, entry.Type)
	require.Equal(t, int64(1), entry.SourceBranchID)
	require.Equal(t, int64(2), entry.DestBranchID)
	require.Equal(t, int64(0), entry.DestOldQuantity)
	require.Equal(t, int64(5), entry.DestNewQuantity)
}

func TestTransferSameBranchRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.Transfer(context.Background(), testActor, TransferInput{
		SourceBranchID: 1, DestBranchID: 1, ProductID: 7, VarietyID: 3,
		Quantity: 1, Lots: []Lot{{Date: 20090, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrSameBranch)
}

func TestTransferMissingSource(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.Transfer(context.Background(), testActor, TransferInput{
		SourceBranchID: 1, DestBranchID: 2, ProductID: 7, VarietyID: 3,
		Quantity: 1, Lots: []Lot{{Date: 20090, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrSourceStockNotFound)
}

func TestTransferRoundTripRestoresBothBranches(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	move := TransferInput{SourceBranchID: 1, DestBranchID: 2, ProductID: 7, VarietyID: 3, Quantity: 3, Lots: []Lot{{Date: 20090, Qty: 3}}}
	_, err = svc.Transfer(ctx, testActor, move)
	require.NoError(t, err)

	back := TransferInput{SourceBranchID: 2, DestBranchID: 1, ProductID: 7, VarietyID: 3, Quantity: 3, Lots: []Lot{{Date: 20090, Qty: 3}}}
	_, err = svc.Transfer(ctx, testActor, back)
	require.NoError(t, err)

	src := repo.records[testKey]
	require.Equal(t, int64(8), src.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}, src.Lots)

	_, exists := repo.records[Key{BranchID: 2, ProductID: 7, VarietyID: 3}]
	require.False(t, exists, "drained destination must be removed")
}

func TestAdjustMatchingCountWritesNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)
	logCount := len(repo.logs)
	before := repo.records[testKey]

	result, err := svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 5, Reason: "monthly count"})
	require.NoError(t, err)
	require.Equal(t, int64(5), result.OldQuantity)
	require.Equal(t, int64(5), result.NewQuantity)
	require.Len(t, repo.logs, logCount, "matching count must not log")
	require.Equal(t, before, repo.records[testKey])
}

func TestAdjustIncreaseRequiresLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 7, Reason: "found extra"})
	require.ErrorIs(t, err, ErrLotQuantityMismatch)

	_, err = svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 7, Lots: []Lot{{Date: 20100, Qty: 1}}, Reason: "found extra"})
	require.ErrorIs(t, err, ErrLotQuantityMismatch)

	_, err = svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 7, Lots: []Lot{{Date: 20100, Qty: 2}}, Reason: "found extra"})
	require.NoError(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(7), rec.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 2}}, rec.Lots)
}

func TestAdjustDecreaseFallsBackToOldestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	result, err := svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 2, Reason: "shrinkage"})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.NewQuantity)

	rec := repo.records[testKey]
	require.Equal(t, []Lot{{Date: 20100, Qty: 2}}, rec.Lots)

	entry := repo.logs[len(repo.logs)-1]
	require.Equal(t, LogTypeAdjust, entry.Type)
	require.Equal(t, int64(6), entry.Quantity, "log carries the delta magnitude")
}

func TestAdjustToZeroDeletesRecord(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 0, Reason: "write-off"})
	require.NoError(t, err)

	_, exists := repo.records[testKey]
	require.False(t, exists)
}

func TestAdjustReplacesBreakdownAtSameCount(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 5, Lots: []Lot{{Date: 20090, Qty: 5}}})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, testActor, AdjustInput{
		Key:         testKey,
		NewQuantity: 5,
		Lots:        []Lot{{Date: 20090, Qty: 2}, {Date: 20100, Qty: 3}},
		Reason:      "relabelled batches",
	})
	require.NoError(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(5), rec.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 2}, {Date: 20100, Qty: 3}}, rec.Lots)
}

func TestAdjustMissingRecord(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.Adjust(context.Background(), testActor, AdjustInput{Key: testKey, NewQuantity: 3, Lots: []Lot{{Date: 20090, Qty: 3}}, Reason: "count"})
	require.ErrorIs(t, err, ErrStockNotFound)
}

func TestMutationsRequireActor(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Add(ctx, shared.Actor{}, AddInput{Key: testKey, Quantity: 1, Lots: []Lot{{Date: 20090, Qty: 1}}})
	require.Error(t, err)
	_, err = svc.Adjust(ctx, shared.Actor{}, AdjustInput{Key: testKey, NewQuantity: 1})
	require.Error(t, err)
}

type recordingIntegration struct {
	events []StockDeductedEvent
	fail   error
}

func (r *recordingIntegration) HandleStockDeducted(ctx context.Context, outbox OutboxPort, evt StockDeductedEvent) error {
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, evt)
	return outbox.InsertIntegrationEvent(ctx, IntegrationEvent{ID: "evt-1", Type: "stock.deducted"})
}

func TestDeductWritesOutboxEventInTransaction(t *testing.T) {
	repo := newMemoryRepo()
	integration := &recordingIntegration{}
	svc := NewService(repo, nil, nil, nil, integration)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 6, Reason: "order"})
	require.NoError(t, err)

	require.Len(t, integration.events, 1)
	evt := integration.events[0]
	require.Equal(t, testKey, evt.Key)
	require.Equal(t, int64(6), evt.Quantity)
	require.Equal(t, []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 1}}, evt.ConsumedLots)
	require.Len(t, repo.events, 1, "outbox row committed with the deduction")
}

func TestDeductOutboxFailureRollsBackMutation(t *testing.T) {
	repo := newMemoryRepo()
	integration := &recordingIntegration{fail: errors.New("outbox insert failed")}
	svc := NewService(repo, nil, nil, nil, integration)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)
	logCount := len(repo.logs)

	_, err = svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 6, Reason: "order"})
	require.Error(t, err)

	rec := repo.records[testKey]
	require.Equal(t, int64(8), rec.Quantity, "deduction must not stand without its event")
	require.Len(t, repo.logs, logCount)
	require.Empty(t, repo.events)
}

func TestEveryEffectiveMutationLogsExactlyOnce(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Add(ctx, testActor, AddInput{Key: testKey, Quantity: 8, Lots: []Lot{{Date: 20090, Qty: 5}, {Date: 20100, Qty: 3}}})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, testActor, DeductInput{Key: testKey, Quantity: 2})
	require.NoError(t, err)
	_, err = svc.Adjust(ctx, testActor, AdjustInput{Key: testKey, NewQuantity: 4, Reason: "count"})
	require.NoError(t, err)

	require.Len(t, repo.logs, 3)
	for _, entry := range repo.logs {
		require.NotEmpty(t, entry.ID)
		require.False(t, entry.CreatedAt.IsZero())
	}
}

type failingTxRepo struct {
	memoryRepo
}

func (r *failingTxRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return errors.New("connection reset")
}

func TestRepositoryFailureSurfaces(t *testing.T) {
	repo := &failingTxRepo{}
	svc := NewService(repo, nil, nil, nil, nil)

	_, err := svc.Add(context.Background(), testActor, AddInput{Key: testKey, Quantity: 1, Lots: []Lot{{Date: 20090, Qty: 1}}})
	require.Error(t, err)
}
