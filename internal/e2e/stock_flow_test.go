package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agrihub-erp/agrihub-erp/internal/app"
	"github.com/agrihub-erp/agrihub-erp/internal/observability"
	"github.com/agrihub-erp/agrihub-erp/internal/shared"
	"github.com/agrihub-erp/agrihub-erp/internal/stock"
	_ "github.com/agrihub-erp/agrihub-erp/internal/testing/guard"
)

// ledgerStore is an in-memory double for the stock repository, serving
// both the transactional and the read side so a full HTTP flow can run
// without Postgres.
type ledgerStore struct {
	records map[stock.Key]stock.Record
	logs    []stock.LogEntry
	events  []stock.IntegrationEvent
}

type ledgerTx struct {
	store *ledgerStore
}

func newLedgerStore() *ledgerStore {
	return &ledgerStore{records: make(map[stock.Key]stock.Record)}
}

func (s *ledgerStore) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	return fn(ctx, &ledgerTx{store: s})
}

func (tx *ledgerTx) GetForUpdate(ctx context.Context, key stock.Key) (stock.Record, error) {
	rec, ok := tx.store.records[key]
	if !ok {
		return stock.Record{}, stock.ErrStockNotFound
	}
	return rec, nil
}

func (tx *ledgerTx) Insert(ctx context.Context, rec stock.Record) error {
	tx.store.records[rec.Key] = rec
	return nil
}

func (tx *ledgerTx) Update(ctx context.Context, rec stock.Record) error {
	tx.store.records[rec.Key] = rec
	return nil
}

func (tx *ledgerTx) Delete(ctx context.Context, id string) error {
	for key, rec := range tx.store.records {
		if rec.ID == id {
			delete(tx.store.records, key)
			return nil
		}
	}
	return stock.ErrStockNotFound
}

func (tx *ledgerTx) InsertLogEntry(ctx context.Context, entry stock.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	tx.store.logs = append(tx.store.logs, entry)
	return nil
}

func (tx *ledgerTx) InsertIntegrationEvent(ctx context.Context, evt stock.IntegrationEvent) error {
	tx.store.events = append(tx.store.events, evt)
	return nil
}

func (s *ledgerStore) BranchStock(ctx context.Context, filter stock.BranchStockFilter) ([]stock.Record, error) {
	var out []stock.Record
	for _, rec := range s.records {
		if rec.Key.BranchID != filter.BranchID {
			continue
		}
		if filter.ProductID != 0 && rec.Key.ProductID != filter.ProductID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *ledgerStore) Logs(ctx context.Context, filter stock.LogFilter, cursor shared.Cursor, limit int) ([]stock.LogEntry, error) {
	out := make([]stock.LogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.logs[i]
		if filter.BranchID != 0 && entry.BranchID != filter.BranchID && entry.DestBranchID != filter.BranchID {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func newServer(t *testing.T) (*httptest.Server, *ledgerStore) {
	t.Helper()
	store := newLedgerStore()
	service := stock.NewService(store, nil, nil, nil, nil)
	queries := stock.NewQueryService(store, nil)
	metrics := observability.NewMetrics()
	handler := stock.NewHandler(nil, service, queries, metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:       app.NewLogger(nil),
		Config:       &app.Config{AppRequestTimeout: 10 * time.Second, RateLimit: 1000, RateLimitWindow: time.Minute},
		StockHandler: handler,
		Metrics:      metrics,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, store
}

func doRequest(t *testing.T, server *httptest.Server, method, path, body string, withActor bool) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if withActor {
		req.Header.Set("X-Actor-Id", "u-200")
		req.Header.Set("X-Actor-Role", "branch_manager")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestStockLedgerFlowOverHTTP(t *testing.T) {
	server, store := newServer(t)

	status, _ := doRequest(t, server, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, status)

	// receive stock at branch 1
	status, body := doRequest(t, server, http.MethodPost, "/stock/add",
		`{"branchId":1,"productId":101,"varietyId":1,"quantity":50,"lots":[{"date":20100,"qty":30},{"date":20150,"qty":20}],"reason":"delivery"}`, true)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 50, body["newQuantity"])

	// oldest-first deduction
	status, body = doRequest(t, server, http.MethodPost, "/stock/deduct",
		`{"branchId":1,"productId":101,"varietyId":1,"quantity":35,"reason":"order"}`, true)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 15, body["newQuantity"])

	// move the rest of the newest lot to branch 2
	status, body = doRequest(t, server, http.MethodPost, "/stock/transfer",
		`{"sourceBranchId":1,"destBranchId":2,"productId":101,"varietyId":1,"quantity":10,"lots":[{"date":20150,"qty":10}],"reason":"rebalance"}`, true)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 5, body["sourceNewQuantity"])
	require.EqualValues(t, 10, body["destNewQuantity"])

	// without the actor headers a mutation is refused
	status, _ = doRequest(t, server, http.MethodPost, "/stock/deduct",
		`{"branchId":1,"productId":101,"varietyId":1,"quantity":1}`, false)
	require.Equal(t, http.StatusUnauthorized, status)

	// listings reflect the mutations
	status, body = doRequest(t, server, http.MethodGet, "/stock/branch/2", "", false)
	require.Equal(t, http.StatusOK, status)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	require.EqualValues(t, 10, rec["quantity"])

	// three mutations, three audit entries
	status, body = doRequest(t, server, http.MethodGet, "/stock/logs?branch_id=1", "", false)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	require.Len(t, store.logs, 3)

	// the receiving branch sees the incoming transfer
	status, body = doRequest(t, server, http.MethodGet, "/stock/logs?branch_id=2", "", false)
	require.Equal(t, http.StatusOK, status)
	entries = body["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "transfer_stock", entries[0].(map[string]any)["Type"])
}

func TestMetricsEndpointCountsMutations(t *testing.T) {
	server, _ := newServer(t)

	status, _ := doRequest(t, server, http.MethodPost, "/stock/add",
		`{"branchId":1,"productId":101,"varietyId":1,"quantity":5,"lots":[{"date":20100,"qty":5}]}`, true)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `agrihub_stock_mutations_total{op="add",outcome="ok"} 1`)
}
