package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/agrihub-erp/agrihub-erp/internal/jobs"
	"github.com/agrihub-erp/agrihub-erp/internal/stock"
)

// ExpiryScanJob flags lots that have sat in a branch past the age window,
// so branch managers can rotate or write off aging agrivet stock.
type ExpiryScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpiryScanJob initialises the aged lot scan handler.
func NewExpiryScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpiryScanJob {
	return &ExpiryScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type agedLot struct {
	BranchID  int64
	ProductID int64
	VarietyID int64
	LotDate   int64
	Qty       int64
	AgeDays   int64
}

// Handle executes the aged lot scan.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WindowDays <= 0 {
		payload.WindowDays = 180
	}

	start := j.now()
	tracker := j.metrics().Track(TaskExpiryScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("window_days", payload.WindowDays))
	logger.Info("starting expiry scan")

	aged, err := j.scan(ctx, payload.WindowDays, start)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	perBranch := make(map[int64]int)
	for _, lot := range aged {
		perBranch[lot.BranchID]++
		logger.Warn("aged lot detected",
			slog.Int64("branch_id", lot.BranchID),
			slog.Int64("product_id", lot.ProductID),
			slog.Int64("variety_id", lot.VarietyID),
			slog.String("lot_date", stock.DayToTime(lot.LotDate).Format("2006-01-02")),
			slog.Int64("qty", lot.Qty),
			slog.Int64("age_days", lot.AgeDays),
		)
	}
	for branchID, count := range perBranch {
		j.metrics().AddAgedLots(branchID, count)
	}

	logger.Info("completed expiry scan",
		slog.Int("aged_lots", len(aged)),
		slog.String("digest", digest(aged)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *ExpiryScanJob) scan(ctx context.Context, windowDays int, now time.Time) ([]agedLot, error) {
	if j.Pool == nil {
		return nil, errors.New("expiry scan: pool not configured")
	}
	cutoff := stock.DayFromTime(now) - int64(windowDays)
	rows, err := j.Pool.Query(ctx, `
		SELECT r.branch_id, r.product_id, r.variety_id, l.lot_date, l.qty
		FROM stock_lots l
		JOIN stock_records r ON r.id = l.stock_id
		WHERE l.lot_date <= $1
		ORDER BY r.branch_id, l.lot_date`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	today := stock.DayFromTime(now)
	var aged []agedLot
	for rows.Next() {
		var lot agedLot
		if err := rows.Scan(&lot.BranchID, &lot.ProductID, &lot.VarietyID, &lot.LotDate, &lot.Qty); err != nil {
			return nil, err
		}
		lot.AgeDays = today - lot.LotDate
		aged = append(aged, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aged, nil
}

// digest summarises the scan per branch for the completion log line.
func digest(aged []agedLot) string {
	if len(aged) == 0 {
		return "no aged lots"
	}
	type branchTotals struct {
		lots int64
		qty  int64
	}
	totals := make(map[int64]*branchTotals)
	var order []int64
	for _, lot := range aged {
		entry, ok := totals[lot.BranchID]
		if !ok {
			entry = &branchTotals{}
			totals[lot.BranchID] = entry
			order = append(order, lot.BranchID)
		}
		entry.lots++
		entry.qty += lot.Qty
	}
	printer := message.NewPrinter(language.English)
	var b strings.Builder
	for i, branchID := range order {
		if i > 0 {
			b.WriteString("; ")
		}
		entry := totals[branchID]
		b.WriteString(printer.Sprintf("branch %d: %d lots, %d units", branchID, entry.lots, entry.qty))
	}
	return b.String()
}

func (j *ExpiryScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskExpiryScan))
	}
	return slog.Default().With(slog.String("job", TaskExpiryScan))
}

func (j *ExpiryScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *ExpiryScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
