package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

type echoPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
}

func newTestStore(t *testing.T) interfaces.QueueStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "queue-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return badgerstorage.NewQueueStorage(db, logger)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newTestStore(t), arbor.NewLogger(), 5*time.Second, 10*time.Minute)
	require.NoError(t, m.Register(Descriptor{
		Name:       models.QueueCrawl,
		NewPayload: func() interface{} { return &echoPayload{} },
		MaxRetries: 2,
		Timeout:    time.Minute,
	}))
	require.NoError(t, m.Register(Descriptor{
		Name:       models.QueueWebhook,
		NewPayload: func() interface{} { return &echoPayload{} },
		MaxRetries: 0,
		Timeout:    time.Minute,
		KeepFailed: true,
	}))
	return m
}

func TestEnqueueUnknownQueue(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Enqueue(context.Background(), "no-such-queue", echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	assert.Error(t, err)
}

func TestEnqueueIdempotency(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	opts := EnqueueOptions{IdempotencyKey: "crawl:bm_1"}
	first, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, opts)
	require.NoError(t, err)

	second, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second, "open job with the same key must be reused")

	open, err := m.CountOpen(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	// Once the first job closes, the key is free again
	require.NoError(t, m.Complete(ctx, first))
	third, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestEnqueueDelay(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	_, err = m.Dequeue(ctx, models.QueueCrawl, time.Minute)
	assert.True(t, IsNoJob(err), "delayed job must not be claimable yet")
}

func TestFailRetriesUntilBudgetExhausted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// max_retries=2 gives three attempts total
	jobID, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job := claimIgnoringBackoff(t, m, models.QueueCrawl, jobID)
		assert.Equal(t, jobID, job.ID)
		assert.Equal(t, attempt, job.RunsAttempted)
		require.NoError(t, m.Fail(ctx, jobID, assert.AnError, nil))
	}

	// Budget exhausted and the crawl queue does not keep failed rows
	open, err := m.CountOpen(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
	stats, err := m.Stats(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
}

func TestFailKeepsFailedRowWhenRetained(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.Enqueue(ctx, models.QueueWebhook, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = m.Dequeue(ctx, models.QueueWebhook, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, jobID, assert.AnError, nil))

	stats, err := m.Stats(ctx, models.QueueWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	job, err := m.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, assert.AnError.Error())
}

func TestRetryAfterDoesNotConsumeAttempt(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	jobID, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	job, err := m.Dequeue(ctx, models.QueueCrawl, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RunsAttempted)

	delay := 10 * time.Millisecond
	require.NoError(t, m.Fail(ctx, jobID, &RetryAfterError{Delay: delay}, &delay))

	deferred, err := m.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, deferred.Status)
	assert.Equal(t, 0, deferred.RunsAttempted, "external wait must not consume an attempt")

	time.Sleep(2 * delay)
	reclaimed, err := m.Dequeue(ctx, models.QueueCrawl, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed.RunsAttempted)
}

func TestBackoffDelayBandAndCap(t *testing.T) {
	m := NewManager(newTestStore(t), arbor.NewLogger(), 5*time.Second, 10*time.Minute)

	for i := 0; i < 50; i++ {
		d := m.backoffDelay(1)
		assert.GreaterOrEqual(t, d, time.Duration(float64(5*time.Second)*0.85))
		assert.LessOrEqual(t, d, time.Duration(float64(5*time.Second)*1.15))

		d = m.backoffDelay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(10*time.Second)*0.85))
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.15))

		// Deep attempts hit the ceiling
		assert.LessOrEqual(t, m.backoffDelay(20), 10*time.Minute)
	}
}

func TestCancelAllNonRunning(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
		require.NoError(t, err)
	}
	_, err := m.Dequeue(ctx, models.QueueCrawl, time.Minute)
	require.NoError(t, err)

	count, err := m.CancelAllNonRunning(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecoverExpiredLeases(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = m.Dequeue(ctx, models.QueueCrawl, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	count, err := m.RecoverExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := m.Stats(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending+stats.PendingRetry)
}

// claimIgnoringBackoff rewinds a retry-scheduled job so the test does not
// have to sleep through the real backoff window.
func claimIgnoringBackoff(t *testing.T, m *Manager, queue, jobID string) *models.Job {
	t.Helper()
	ctx := context.Background()

	job, err := m.Dequeue(ctx, queue, time.Minute)
	if err == nil {
		return job
	}
	require.True(t, IsNoJob(err))

	stored, err := m.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, stored.Status)
	stored.NextRunAt = time.Now()
	require.NoError(t, m.store.UpdateJob(ctx, stored))

	job, err = m.Dequeue(ctx, queue, time.Minute)
	require.NoError(t, err)
	return job
}
