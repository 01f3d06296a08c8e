// -----------------------------------------------------------------------
// Queue Job - Durable job row persisted by the queue runtime
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a queued job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCompleted JobStatus = "completed"
)

// Queue names. Each name identifies exactly one handler.
const (
	QueueCrawl              = "crawl"
	QueueInference          = "inference"
	QueueSearchIndex        = "search_index"
	QueueAssetPreprocessing = "asset_preprocessing"
	QueueVideo              = "video"
	QueueWebhook            = "webhook"
	QueueRuleEngine         = "rule_engine"
	QueueAssetCleanup       = "asset_cleanup"
)

// Priorities. Lower value dispatches first.
const (
	PriorityUserInitiated = 0
	PriorityBulkImport    = 50
)

// Job is a durable queue job row. The payload is opaque to the runtime and
// schema-validated by the runner before the handler sees it.
type Job struct {
	ID             string          `json:"id" badgerhold:"key"`
	Queue          string          `json:"queue" badgerhold:"index"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	GroupID        string          `json:"group_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         JobStatus       `json:"status" badgerhold:"index"`
	RunsAttempted  int             `json:"runs_attempted"`
	MaxRetries     int             `json:"max_retries"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// NewJob creates a pending job for the given queue
func NewJob(queue string, payload json.RawMessage) *Job {
	now := time.Now()
	return &Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Payload:    payload,
		Status:     JobStatusPending,
		EnqueuedAt: now,
		NextRunAt:  now,
	}
}

// IsOpen returns true while the job can still be dispatched or is in flight
func (j *Job) IsOpen() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// LeaseExpired reports whether a running job's lease has lapsed
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// Validate checks structural invariants before persistence
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Queue == "" {
		return fmt.Errorf("job queue is required")
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}

// GroupServeRecord tracks when a fairness group was last served on a queue.
// Updated inside the same dequeue transaction that claims the job.
type GroupServeRecord struct {
	Key          string    `badgerhold:"key"` // queue + "|" + group_id
	Queue        string    `badgerhold:"index"`
	GroupID      string    `json:"group_id"`
	LastServedAt time.Time `json:"last_served_at"`
}

// GroupServeKey builds the composite key for a queue/group pair
func GroupServeKey(queue, groupID string) string {
	return queue + "|" + groupID
}

// QueueStats is a point-in-time census of a queue
type QueueStats struct {
	Pending      int `json:"pending"`
	Running      int `json:"running"`
	PendingRetry int `json:"pending_retry"`
	Failed       int `json:"failed"`
}
