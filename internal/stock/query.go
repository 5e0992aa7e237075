package stock

import (
	"context"
	"errors"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/agrihub-erp/agrihub-erp/internal/shared"
)

// QueryRepositoryPort abstracts the read-side repository.
type QueryRepositoryPort interface {
	BranchStock(ctx context.Context, filter BranchStockFilter) ([]Record, error)
	Logs(ctx context.Context, filter LogFilter, cursor shared.Cursor, limit int) ([]LogEntry, error)
}

// QueryService serves the read-only lookups. Staleness relative to
// in-flight mutations is acceptable; listings are cached and concurrent
// loads of the same key are collapsed.
type QueryService struct {
	repo  QueryRepositoryPort
	cache *Cache
	group singleflight.Group
}

// NewQueryService builds QueryService. cache may be nil.
func NewQueryService(repo QueryRepositoryPort, cache *Cache) *QueryService {
	return &QueryService{repo: repo, cache: cache}
}

// LogsPage is one page of the audit trail with the cursor for the next.
type LogsPage struct {
	Entries    []LogEntry `json:"entries"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// BranchStock lists stock records for a branch ordered by last update.
func (q *QueryService) BranchStock(ctx context.Context, filter BranchStockFilter) ([]Record, error) {
	if q == nil || q.repo == nil {
		return nil, errors.New("stock query service not configured")
	}
	if filter.BranchID <= 0 {
		return nil, errors.New("stock: branch required")
	}
	key, err := q.cache.BuildKey(ctx, "stock", "branch",
		strconv.FormatInt(filter.BranchID, 10),
		strconv.FormatInt(filter.ProductID, 10),
		strconv.FormatInt(filter.VarietyID, 10))
	if err != nil {
		return nil, err
	}
	result, err, _ := q.group.Do(key, func() (interface{}, error) {
		var records []Record
		err := q.cache.FetchJSON(ctx, key, &records, func(ctx context.Context) (interface{}, error) {
			return q.repo.BranchStock(ctx, filter)
		})
		return records, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]Record), nil
}

// Logs pages the inventory audit trail, newest first. The cursor token is
// opaque to callers; an empty token starts from the top.
func (q *QueryService) Logs(ctx context.Context, filter LogFilter, cursorToken string, limit int) (LogsPage, error) {
	if q == nil || q.repo == nil {
		return LogsPage{}, errors.New("stock query service not configured")
	}
	cursor, err := shared.DecodeCursor(cursorToken)
	if err != nil {
		return LogsPage{}, err
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	entries, err := q.repo.Logs(ctx, filter, cursor, limit+1)
	if err != nil {
		return LogsPage{}, err
	}
	page := LogsPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = shared.Cursor{At: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}
