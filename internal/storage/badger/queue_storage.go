package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ErrNoJob is returned by ClaimNext when no eligible job exists
var ErrNoJob = fmt.Errorf("no job available")

// QueueStorage implements interfaces.QueueStorage on badgerhold.
//
// Badgerhold has no SELECT FOR UPDATE SKIP LOCKED; the claim mutex serializes
// dequeues within the process, which owns the store exclusively, so the
// select-and-mark sequence is atomic against concurrent workers.
type QueueStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	claimMu sync.Mutex
}

// NewQueueStorage creates a new QueueStorage instance
func NewQueueStorage(db *BadgerDB, logger arbor.ILogger) interfaces.QueueStorage {
	return &QueueStorage{
		db:     db,
		logger: logger,
	}
}

func (s *QueueStorage) InsertJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := s.db.Store().Insert(job.ID, *job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *QueueStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *QueueStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.Store().Upsert(job.ID, *job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *QueueStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *QueueStorage) FindOpenByIdempotencyKey(ctx context.Context, queue, key string) (*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Queue").Eq(queue)); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	for i := range jobs {
		if jobs[i].IdempotencyKey == key && jobs[i].IsOpen() {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// ClaimNext selects the next due pending job honoring priority and per-group
// fairness, marks it running, bumps the attempt counter, sets the lease, and
// records the group as served. The entire sequence runs under the claim
// mutex so concurrent workers never double-claim.
func (s *QueueStorage) ClaimNext(ctx context.Context, queue string, lease time.Duration) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := time.Now()

	var pending []models.Job
	err := s.db.Store().Find(&pending,
		badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}

	// Filter to due jobs
	due := pending[:0]
	for i := range pending {
		if !pending[i].NextRunAt.After(now) {
			due = append(due, pending[i])
		}
	}
	if len(due) == 0 {
		return nil, ErrNoJob
	}

	// Load last-served timestamps for the groups present
	lastServed := make(map[string]time.Time)
	for i := range due {
		g := due[i].GroupID
		if g == "" {
			continue
		}
		if _, seen := lastServed[g]; seen {
			continue
		}
		var rec models.GroupServeRecord
		if err := s.db.Store().Get(models.GroupServeKey(queue, g), &rec); err == nil {
			lastServed[g] = rec.LastServedAt
		} else {
			lastServed[g] = time.Time{} // Never served sorts first
		}
	}

	// Priority ascending, then least-recently-served group, then FIFO
	sort.SliceStable(due, func(a, b int) bool {
		ja, jb := &due[a], &due[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		sa, sb := lastServed[ja.GroupID], lastServed[jb.GroupID]
		if !sa.Equal(sb) {
			return sa.Before(sb)
		}
		return ja.EnqueuedAt.Before(jb.EnqueuedAt)
	})

	claimed := due[0]
	claimed.Status = models.JobStatusRunning
	claimed.RunsAttempted++
	expires := now.Add(lease)
	claimed.LeaseExpiresAt = &expires

	if err := s.db.Store().Upsert(claimed.ID, claimed); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if claimed.GroupID != "" {
		rec := models.GroupServeRecord{
			Key:          models.GroupServeKey(queue, claimed.GroupID),
			Queue:        queue,
			GroupID:      claimed.GroupID,
			LastServedAt: now,
		}
		if err := s.db.Store().Upsert(rec.Key, rec); err != nil {
			s.logger.Warn().Err(err).
				Str("queue", queue).
				Str("group_id", claimed.GroupID).
				Msg("Failed to update group serve record")
		}
	}

	return &claimed, nil
}

func (s *QueueStorage) RenewLease(ctx context.Context, jobID string, lease time.Duration) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil // Job completed under us; nothing to renew
		}
		return fmt.Errorf("failed to get job for lease renewal: %w", err)
	}
	if job.Status != models.JobStatusRunning {
		return nil
	}
	expires := time.Now().Add(lease)
	job.LeaseExpiresAt = &expires
	return s.db.Store().Upsert(job.ID, job)
}

// ResetExpiredLeases returns crashed jobs to the pending pool. Called on
// startup and periodically by the recovery sweep.
func (s *QueueStorage) ResetExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var running []models.Job
	if err := s.db.Store().Find(&running, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return 0, fmt.Errorf("failed to query running jobs: %w", err)
	}

	count := 0
	for i := range running {
		if !running[i].LeaseExpired(now) {
			continue
		}
		job := running[i]
		job.Status = models.JobStatusPending
		job.LeaseExpiresAt = nil
		job.NextRunAt = now
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset expired lease")
			continue
		}
		s.logger.Info().
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Int("runs_attempted", job.RunsAttempted).
			Msg("Reset job with expired lease to pending")
		count++
	}
	return count, nil
}

func (s *QueueStorage) Stats(ctx context.Context, queue string) (*models.QueueStats, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Queue").Eq(queue)); err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}

	now := time.Now()
	stats := &models.QueueStats{}
	for i := range jobs {
		switch jobs[i].Status {
		case models.JobStatusPending:
			if jobs[i].RunsAttempted > 0 && jobs[i].NextRunAt.After(now) {
				stats.PendingRetry++
			} else {
				stats.Pending++
			}
		case models.JobStatusRunning:
			stats.Running++
		case models.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *QueueStorage) CountOpen(ctx context.Context, queue string) (int, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Queue").Eq(queue)); err != nil {
		return 0, fmt.Errorf("failed to count open jobs: %w", err)
	}
	count := 0
	for i := range jobs {
		if jobs[i].IsOpen() {
			count++
		}
	}
	return count, nil
}

func (s *QueueStorage) CancelAllNonRunning(ctx context.Context, queue string) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Queue").Eq(queue).And("Status").Eq(models.JobStatusPending)); err != nil {
		return 0, fmt.Errorf("failed to query pending jobs: %w", err)
	}

	count := 0
	for i := range jobs {
		if err := s.db.Store().Delete(jobs[i].ID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Err(err).Str("job_id", jobs[i].ID).Msg("Failed to cancel job")
			continue
		}
		count++
	}
	return count, nil
}
