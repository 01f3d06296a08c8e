package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// RetryAfterError asks the runtime to re-run the job after Delay without
// consuming a retry attempt. Handlers return it for externally imposed
// waits (rate limit windows, upstream 429s) that are not failures.
type RetryAfterError struct {
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.Delay)
}

// PermanentError marks a failure that retrying cannot fix. The job fails
// terminally on the first occurrence regardless of remaining retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the permanent-failure marker
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// EnqueueOptions tune a single enqueue. Zero value means default priority,
// no group, no idempotency key, run immediately, descriptor retry budget.
type EnqueueOptions struct {
	Priority       int
	GroupID        string
	IdempotencyKey string
	Delay          time.Duration

	// MaxRetries overrides the descriptor default when non-nil.
	MaxRetries *int
}

// Manager owns job lifecycle on top of QueueStorage: enqueue with
// idempotency, atomic claim, completion with retention, and retry with
// exponential backoff. One manager serves all queues in the process.
type Manager struct {
	store  interfaces.QueueStorage
	logger arbor.ILogger

	registry *descriptorRegistry

	backoffBase time.Duration
	backoffCap  time.Duration

	// enqueueMu makes the idempotency check-then-insert atomic.
	enqueueMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager creates a queue manager over the given storage
func NewManager(store interfaces.QueueStorage, logger arbor.ILogger, backoffBase, backoffCap time.Duration) *Manager {
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 10 * time.Minute
	}
	return &Manager{
		store:       store,
		logger:      logger,
		registry:    newDescriptorRegistry(),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register declares a queue. Enqueue and the runner refuse unknown queues.
func (m *Manager) Register(d Descriptor) error {
	return m.registry.register(d)
}

// Descriptor returns the registered descriptor for a queue
func (m *Manager) Descriptor(queue string) (Descriptor, bool) {
	return m.registry.get(queue)
}

// Queues returns the names of all registered queues
func (m *Manager) Queues() []string {
	return m.registry.names()
}

// Enqueue persists a new job. When opts carries an idempotency key and an
// open job on the same queue already holds it, the existing job's ID is
// returned and nothing is inserted.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (string, error) {
	desc, ok := m.registry.get(queue)
	if !ok {
		return "", fmt.Errorf("unknown queue: %s", queue)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload for queue %s: %w", queue, err)
		}
		raw = encoded
	}

	job := models.NewJob(queue, raw)
	job.Priority = opts.Priority
	job.GroupID = opts.GroupID
	job.IdempotencyKey = opts.IdempotencyKey
	job.MaxRetries = desc.MaxRetries
	if opts.MaxRetries != nil {
		job.MaxRetries = *opts.MaxRetries
	}
	if opts.Delay > 0 {
		job.NextRunAt = job.EnqueuedAt.Add(opts.Delay)
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	m.enqueueMu.Lock()
	defer m.enqueueMu.Unlock()

	if opts.IdempotencyKey != "" {
		existing, err := m.store.FindOpenByIdempotencyKey(ctx, queue, opts.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			m.logger.Debug().
				Str("queue", queue).
				Str("idempotency_key", opts.IdempotencyKey).
				Str("existing_job_id", existing.ID).
				Msg("Enqueue deduplicated against open job")
			return existing.ID, nil
		}
	}

	if err := m.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	m.logger.Debug().
		Str("queue", queue).
		Str("job_id", job.ID).
		Int("priority", job.Priority).
		Msg("Job enqueued")

	return job.ID, nil
}

// Dequeue claims the next due job on the queue, or returns
// badgerstorage.ErrNoJob when nothing is eligible.
func (m *Manager) Dequeue(ctx context.Context, queue string, lease time.Duration) (*models.Job, error) {
	return m.store.ClaimNext(ctx, queue, lease)
}

// RenewLease extends a running job's lease
func (m *Manager) RenewLease(ctx context.Context, jobID string, lease time.Duration) error {
	return m.store.RenewLease(ctx, jobID, lease)
}

// Complete finishes a job: the row is deleted, or marked completed when the
// descriptor retains finished jobs.
func (m *Manager) Complete(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	desc, _ := m.registry.get(job.Queue)
	if desc.KeepCompleted {
		job.Status = models.JobStatusCompleted
		job.LeaseExpiresAt = nil
		return m.store.UpdateJob(ctx, job)
	}
	return m.store.DeleteJob(ctx, jobID)
}

// Fail records a failed attempt. A non-nil retryAfter is an external-wait
// sentinel: the job returns to pending after the delay and the attempt does
// not count. Otherwise the job retries with exponential backoff until the
// budget is exhausted, then becomes failed (or is dropped unless the
// descriptor keeps failed rows).
func (m *Manager) Fail(ctx context.Context, jobID string, jobErr error, retryAfter *time.Duration) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if jobErr != nil {
		job.LastError = jobErr.Error()
	}
	job.LeaseExpiresAt = nil

	if retryAfter != nil {
		// External wait, not a failure of the handler itself
		if job.RunsAttempted > 0 {
			job.RunsAttempted--
		}
		job.Status = models.JobStatusPending
		job.NextRunAt = time.Now().Add(*retryAfter)
		m.logger.Debug().
			Str("queue", job.Queue).
			Str("job_id", job.ID).
			Str("retry_after", retryAfter.String()).
			Msg("Job deferred without consuming an attempt")
		return m.store.UpdateJob(ctx, job)
	}

	if job.RunsAttempted <= job.MaxRetries && !IsPermanent(jobErr) {
		delay := m.backoffDelay(job.RunsAttempted)
		job.Status = models.JobStatusPending
		job.NextRunAt = time.Now().Add(delay)
		m.logger.Info().
			Str("queue", job.Queue).
			Str("job_id", job.ID).
			Int("attempt", job.RunsAttempted).
			Str("backoff", delay.String()).
			Str("error", job.LastError).
			Msg("Job scheduled for retry")
		return m.store.UpdateJob(ctx, job)
	}

	desc, _ := m.registry.get(job.Queue)
	m.logger.Warn().
		Str("queue", job.Queue).
		Str("job_id", job.ID).
		Int("attempts", job.RunsAttempted).
		Str("error", job.LastError).
		Msg("Job failed permanently")

	if desc.KeepFailed {
		job.Status = models.JobStatusFailed
		return m.store.UpdateJob(ctx, job)
	}
	return m.store.DeleteJob(ctx, jobID)
}

// backoffDelay computes base * 2^(attempt-1) with ±15% jitter, capped
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(m.backoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(m.backoffCap) {
		delay = float64(m.backoffCap)
	}

	m.rngMu.Lock()
	jitter := 0.85 + m.rng.Float64()*0.30
	m.rngMu.Unlock()

	jittered := time.Duration(delay * jitter)
	if jittered > m.backoffCap {
		jittered = m.backoffCap
	}
	return jittered
}

// Stats returns the point-in-time census of a queue
func (m *Manager) Stats(ctx context.Context, queue string) (*models.QueueStats, error) {
	return m.store.Stats(ctx, queue)
}

// CountOpen returns the number of pending plus running jobs on a queue
func (m *Manager) CountOpen(ctx context.Context, queue string) (int, error) {
	return m.store.CountOpen(ctx, queue)
}

// CancelAllNonRunning deletes every pending job on the queue. Running jobs
// finish their current attempt.
func (m *Manager) CancelAllNonRunning(ctx context.Context, queue string) (int, error) {
	count, err := m.store.CancelAllNonRunning(ctx, queue)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Info().Str("queue", queue).Int("cancelled", count).Msg("Cancelled pending jobs")
	}
	return count, nil
}

// RecoverExpiredLeases returns crashed running jobs to pending. Called once
// on startup and periodically by the recovery sweep.
func (m *Manager) RecoverExpiredLeases(ctx context.Context) (int, error) {
	count, err := m.store.ResetExpiredLeases(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Warn().Int("recovered", count).Msg("Recovered jobs with expired leases")
	}
	return count, nil
}

// ScheduleRecoverySweep registers the periodic lease recovery on the shared
// cron scheduler.
func (m *Manager) ScheduleRecoverySweep(c *cron.Cron, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if _, err := m.RecoverExpiredLeases(context.Background()); err != nil {
			m.logger.Error().Err(err).Msg("Lease recovery sweep failed")
		}
	})
	return err
}

// IsNoJob reports whether err means the queue had nothing eligible
func IsNoJob(err error) bool {
	return err == badgerstorage.ErrNoJob
}
