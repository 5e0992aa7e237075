package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpiryScan flags lots that have sat in a branch beyond the age window.
	TaskExpiryScan = "stock:expiry_scan"
	// TaskIdempotencyCleanup prunes request keys past their retention.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ExpiryScanPayload carries the age window for one scan run.
type ExpiryScanPayload struct {
	WindowDays   int       `json:"window_days"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpiryScanTask constructs an Asynq task for the aged lot scan.
func NewExpiryScanTask(payload ExpiryScanPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention for request keys.
type IdempotencyCleanupPayload struct {
	MaxAge time.Duration `json:"max_age"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
