package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/models"
)

type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	errored   []string
	permanent []string
}

func (o *recordingObserver) OnComplete(job *models.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, job.ID)
}

func (o *recordingObserver) OnError(job *models.Job, err error, permanent bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errored = append(o.errored, job.ID)
	if permanent {
		o.permanent = append(o.permanent, job.ID)
	}
}

func (o *recordingObserver) snapshot() (completed, errored, permanent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.completed), len(o.errored), len(o.permanent)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunnerProcessesJob(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, job *models.Job, payload interface{}) error {
		p := payload.(*echoPayload)
		mu.Lock()
		seen = append(seen, p.BookmarkID)
		mu.Unlock()
		return nil
	}

	runner, err := NewRunner(m, models.QueueCrawl, handler, 10*time.Millisecond, time.Minute, arbor.NewLogger())
	require.NoError(t, err)
	obs := &recordingObserver{}
	runner.AddObserver(obs)

	runner.Start(ctx)
	defer runner.Stop()

	_, err = m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return runner.Stats().Completed == 1
	})

	mu.Lock()
	assert.Equal(t, []string{"bm_1"}, seen)
	mu.Unlock()

	completed, errored, _ := obs.snapshot()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, errored)

	open, err := m.CountOpen(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestRunnerDropsMalformedPayload(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handler := func(ctx context.Context, job *models.Job, payload interface{}) error {
		t.Error("handler must not run for malformed payloads")
		return nil
	}

	runner, err := NewRunner(m, models.QueueCrawl, handler, 10*time.Millisecond, time.Minute, arbor.NewLogger())
	require.NoError(t, err)
	obs := &recordingObserver{}
	runner.AddObserver(obs)

	runner.Start(ctx)
	defer runner.Stop()

	// Missing the required bookmark_id field
	_, err = m.Enqueue(ctx, models.QueueCrawl, json.RawMessage(`{"unexpected":true}`), EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return runner.Stats().FailedPermanent == 1
	})

	_, errored, permanent := obs.snapshot()
	assert.Equal(t, 1, errored)
	assert.Equal(t, 1, permanent)

	open, err := m.CountOpen(ctx, models.QueueCrawl)
	require.NoError(t, err)
	assert.Equal(t, 0, open, "malformed job must be dropped, not retried")
}

func TestRunnerRoutesRetryAfter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, job *models.Job, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return &RetryAfterError{Delay: 20 * time.Millisecond}
		}
		return nil
	}

	runner, err := NewRunner(m, models.QueueCrawl, handler, 10*time.Millisecond, time.Minute, arbor.NewLogger())
	require.NoError(t, err)

	runner.Start(ctx)
	defer runner.Stop()

	jobID, err := m.Enqueue(ctx, models.QueueCrawl, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return runner.Stats().Completed == 1
	})

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	// The deferred run did not count as a failure
	assert.Equal(t, int64(0), runner.Stats().Failed)

	_, err = m.store.GetJob(ctx, jobID)
	assert.Error(t, err, "completed job must be deleted")
}

func TestRunnerHandlesPanic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handler := func(ctx context.Context, job *models.Job, payload interface{}) error {
		panic("boom")
	}

	runner, err := NewRunner(m, models.QueueWebhook, handler, 10*time.Millisecond, time.Minute, arbor.NewLogger())
	require.NoError(t, err)

	runner.Start(ctx)
	defer runner.Stop()

	jobID, err := m.Enqueue(ctx, models.QueueWebhook, echoPayload{BookmarkID: "bm_1"}, EnqueueOptions{})
	require.NoError(t, err)

	// Webhook queue: max_retries=0, KeepFailed=true
	waitFor(t, 2*time.Second, func() bool {
		return runner.Stats().FailedPermanent == 1
	})

	job, err := m.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "handler panic")
}

func TestNewRunnerRejectsUnregisteredQueue(t *testing.T) {
	m := newTestManager(t)
	_, err := NewRunner(m, "unknown", func(context.Context, *models.Job, interface{}) error { return nil },
		time.Second, time.Minute, arbor.NewLogger())
	assert.Error(t, err)
}
