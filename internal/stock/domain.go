package stock

import (
	"errors"
	"fmt"
	"time"
)

// LogType enumerates ledger mutations recorded in the audit trail.
type LogType string

const (
	// LogTypeAdd represents stock received into a branch.
	LogTypeAdd LogType = "add_stock"
	// LogTypeDeduct represents a generic reduction (order fulfilment, vendor return).
	LogTypeDeduct LogType = "deduct_stock"
	// LogTypeReject represents a rejected received batch.
	LogTypeReject LogType = "reject_stock"
	// LogTypeTransfer represents movement between branches.
	LogTypeTransfer LogType = "transfer_stock"
	// LogTypeAdjust represents physical-count reconciliation.
	LogTypeAdjust LogType = "adjust_stock"
)

// Lot is one dated receiving batch. Date is an epoch-day number (days
// since 1970-01-01 UTC) so lot identity is stable across timezones.
type Lot struct {
	Date int64 `json:"date"`
	Qty  int64 `json:"qty"`
}

// Key identifies the ledger record for one (branch, product, variety) triple.
type Key struct {
	BranchID  int64
	ProductID int64
	VarietyID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.BranchID, k.ProductID, k.VarietyID)
}

// Less orders keys so multi-record operations always lock in one direction.
func (k Key) Less(other Key) bool {
	if k.BranchID != other.BranchID {
		return k.BranchID < other.BranchID
	}
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.VarietyID < other.VarietyID
}

// Record is the ledger state for one triple: an aggregate quantity plus
// its dated lot breakdown. Absence of a record means no stock.
type Record struct {
	ID        string
	Key       Key
	Quantity  int64
	Lots      []Lot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate enforces the ledger invariants before a record may be written:
// non-negative aggregate, positive lot quantities, unique lot dates, and
// aggregate equal to the sum of lots.
func (r Record) Validate() error {
	if r.Quantity < 0 {
		return fmt.Errorf("%w: aggregate quantity %d is negative", ErrInvariantViolation, r.Quantity)
	}
	var sum int64
	seen := make(map[int64]struct{}, len(r.Lots))
	for _, lot := range r.Lots {
		if lot.Qty <= 0 {
			return fmt.Errorf("%w: lot %d has non-positive qty %d", ErrInvariantViolation, lot.Date, lot.Qty)
		}
		if _, dup := seen[lot.Date]; dup {
			return fmt.Errorf("%w: duplicate lot date %d", ErrInvariantViolation, lot.Date)
		}
		seen[lot.Date] = struct{}{}
		sum += lot.Qty
	}
	if sum != r.Quantity {
		return fmt.Errorf("%w: lots sum %d != aggregate %d", ErrInvariantViolation, sum, r.Quantity)
	}
	return nil
}

// LogEntry is one immutable audit trail row. For transfers BranchID holds
// the source branch and the dest fields are populated.
type LogEntry struct {
	ID              string
	Type            LogType
	BranchID        int64
	SourceBranchID  int64
	DestBranchID    int64
	ProductID       int64
	VarietyID       int64
	Quantity        int64
	OldQuantity     int64
	NewQuantity     int64
	DestOldQuantity int64
	DestNewQuantity int64
	Lots            []Lot
	PerformedBy     string
	PerformedRole   string
	Reason          string
	CreatedAt       time.Time
}

// AddInput receives stock into a branch. Lots is the caller-declared batch
// breakdown; the boundary guarantees sum(Lots.Qty) == Quantity.
type AddInput struct {
	Key        Key
	Quantity   int64
	Lots       []Lot
	Reason     string
	RequestKey string
}

// DeductInput reduces stock. When Lots is empty the oldest lots are
// consumed first; otherwise exactly the named lots are consumed.
type DeductInput struct {
	Key        Key
	Quantity   int64
	Lots       []Lot
	Reason     string
	RequestKey string
}

// RejectInput removes a specific received batch. Lots is mandatory: a
// rejection always names the physical batch being sent back.
type RejectInput struct {
	Key        Key
	Quantity   int64
	Lots       []Lot
	Reason     string
	RequestKey string
}

// TransferInput moves named lots between branches, preserving the
// original receipt dates at the destination.
type TransferInput struct {
	SourceBranchID int64
	DestBranchID   int64
	ProductID      int64
	VarietyID      int64
	Quantity       int64
	Lots           []Lot
	Reason         string
	RequestKey     string
}

// AdjustInput reconciles the ledger against a physical count.
type AdjustInput struct {
	Key         Key
	NewQuantity int64
	Lots        []Lot
	Reason      string
	RequestKey  string
}

// MutationResult reports the aggregate change of a single-record mutation.
type MutationResult struct {
	StockID     string `json:"stockId"`
	OldQuantity int64  `json:"oldQuantity"`
	NewQuantity int64  `json:"newQuantity"`
}

// TransferResult reports both sides of a transfer.
type TransferResult struct {
	SourceStockID     string `json:"sourceStockId"`
	DestStockID       string `json:"destStockId"`
	SourceOldQuantity int64  `json:"sourceOldQuantity"`
	SourceNewQuantity int64  `json:"sourceNewQuantity"`
	DestOldQuantity   int64  `json:"destOldQuantity"`
	DestNewQuantity   int64  `json:"destNewQuantity"`
}

// BranchStockFilter narrows the branch stock listing. Zero values match all.
type BranchStockFilter struct {
	BranchID  int64
	ProductID int64
	VarietyID int64
}

// LogFilter narrows the inventory log listing.
type LogFilter struct {
	BranchID int64
	Type     LogType
	From     time.Time
	To       time.Time
}

// Sentinel errors surfaced to callers.
var (
	// ErrStockNotFound indicates the triple has no ledger record.
	ErrStockNotFound = errors.New("stock: record not found")
	// ErrSourceStockNotFound indicates the transfer source has no record.
	ErrSourceStockNotFound = errors.New("stock: source record not found")
	// ErrSameBranch rejects transfers where source equals destination.
	ErrSameBranch = errors.New("stock: source and destination branch must differ")
	// ErrLotQuantityMismatch indicates the declared lot total does not
	// reconcile with the declared aggregate delta.
	ErrLotQuantityMismatch = errors.New("stock: lot quantities do not match declared total")
	// ErrInsufficientStock indicates the requested quantity exceeds what is on hand.
	ErrInsufficientStock = errors.New("stock: insufficient quantity on hand")
	// ErrInsufficientLot indicates a named lot lacks the requested quantity.
	ErrInsufficientLot = errors.New("stock: insufficient lot quantity")
	// ErrConflictingWrite indicates another transaction created the same
	// triple first. Safe to retry.
	ErrConflictingWrite = errors.New("stock: conflicting concurrent write")
	// ErrInvariantViolation signals ledger corruption. It aborts the
	// operation and is logged separately from business errors.
	ErrInvariantViolation = errors.New("stock: ledger invariant violation")
)

// InsufficientStockError carries the shortfall for the FIFO path.
type InsufficientStockError struct {
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: requested %d but only %d on hand", e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InsufficientLotError names the offending lot date on the explicit path.
type InsufficientLotError struct {
	Date      int64
	Requested int64
	Available int64
}

func (e *InsufficientLotError) Error() string {
	return fmt.Sprintf("stock: lot %d has %d, requested %d", e.Date, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientLot) match.
func (e *InsufficientLotError) Is(target error) bool {
	return target == ErrInsufficientLot
}

// DayFromTime truncates a timestamp to its canonical epoch-day number.
func DayFromTime(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// DayToTime returns the UTC midnight for an epoch-day number.
func DayToTime(day int64) time.Time {
	return time.Unix(day*86400, 0).UTC()
}
