package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/models"
)

// Handler processes one job. The payload has already been decoded into the
// descriptor's payload struct and schema-validated.
type Handler func(ctx context.Context, job *models.Job, payload interface{}) error

// Observer receives job outcomes after the runtime has recorded them.
// Used for metrics and event fan-out; must not block.
type Observer interface {
	OnComplete(job *models.Job)
	OnError(job *models.Job, err error, permanent bool)
}

// RunnerStats are the per-queue worker counters
type RunnerStats struct {
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	FailedPermanent int64 `json:"failed_permanent"`
}

// Runner drives one queue: a pool of workers polling the manager, decoding
// and validating payloads, and running the handler under timeout with
// heartbeat lease renewal.
type Runner struct {
	manager *Manager
	desc    Descriptor
	handler Handler
	logger  arbor.ILogger

	pollInterval time.Duration
	lease        time.Duration
	validate     *validator.Validate

	observers []Observer

	completed       atomic.Int64
	failed          atomic.Int64
	failedPermanent atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner for a registered queue
func NewRunner(manager *Manager, queue string, handler Handler, pollInterval, lease time.Duration, logger arbor.ILogger) (*Runner, error) {
	desc, ok := manager.Descriptor(queue)
	if !ok {
		return nil, fmt.Errorf("cannot run unregistered queue: %s", queue)
	}
	if handler == nil {
		return nil, fmt.Errorf("queue %s requires a handler", queue)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Runner{
		manager:      manager,
		desc:         desc,
		handler:      handler,
		logger:       logger,
		pollInterval: pollInterval,
		lease:        lease,
		validate:     validator.New(),
	}, nil
}

// AddObserver registers an outcome observer. Not safe after Start.
func (r *Runner) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Stats returns a snapshot of the worker counters
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Completed:       r.completed.Load(),
		Failed:          r.failed.Load(),
		FailedPermanent: r.failedPermanent.Load(),
	}
}

// Queue returns the queue name this runner serves
func (r *Runner) Queue() string {
	return r.desc.Name
}

// Start launches the worker pool. Workers run until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.desc.Concurrency; i++ {
		r.wg.Add(1)
		worker := i
		common.SafeGo(r.logger, fmt.Sprintf("queue-%s-worker-%d", r.desc.Name, worker), func() {
			defer r.wg.Done()
			r.workerLoop(ctx, worker)
		})
	}

	r.logger.Info().
		Str("queue", r.desc.Name).
		Int("concurrency", r.desc.Concurrency).
		Str("poll_interval", r.pollInterval.String()).
		Msg("Queue runner started")
}

// Stop signals the workers and waits for in-flight jobs to finish
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Str("queue", r.desc.Name).Msg("Queue runner stopped")
}

func (r *Runner) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain eligible jobs before sleeping again
		for {
			job, err := r.manager.Dequeue(ctx, r.desc.Name, r.lease)
			if err != nil {
				if !IsNoJob(err) && ctx.Err() == nil {
					r.logger.Error().Err(err).Str("queue", r.desc.Name).Msg("Dequeue failed")
				}
				break
			}
			r.process(ctx, job, worker)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, job *models.Job, worker int) {
	log := r.logger.
		Debug().
		Str("queue", r.desc.Name).
		Str("job_id", job.ID).
		Int("worker", worker).
		Int("attempt", job.RunsAttempted)
	log.Msg("Job claimed")

	payload, err := r.decodePayload(job)
	if err != nil {
		// Malformed payload can never succeed, drop the job
		r.logger.Error().Err(err).
			Str("queue", r.desc.Name).
			Str("job_id", job.ID).
			Msg("Dropping job with invalid payload")
		if cerr := r.manager.Complete(ctx, job.ID); cerr != nil {
			r.logger.Error().Err(cerr).Str("job_id", job.ID).Msg("Failed to drop invalid job")
		}
		r.failedPermanent.Add(1)
		r.notifyError(job, err, true)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.desc.Timeout)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(jobCtx, job.ID)
	handlerErr := r.runHandler(jobCtx, job, payload)
	stopHeartbeat()

	if handlerErr == nil {
		if err := r.manager.Complete(ctx, job.ID); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
			return
		}
		r.completed.Add(1)
		r.notifyComplete(job)
		return
	}

	var retryAfter *RetryAfterError
	if errors.As(handlerErr, &retryAfter) {
		if err := r.manager.Fail(ctx, job.ID, handlerErr, &retryAfter.Delay); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to defer job")
		}
		return
	}

	permanent := job.RunsAttempted > job.MaxRetries || IsPermanent(handlerErr)
	if err := r.manager.Fail(ctx, job.ID, handlerErr, nil); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
		return
	}
	r.failed.Add(1)
	if permanent {
		r.failedPermanent.Add(1)
	}
	r.notifyError(job, handlerErr, permanent)
}

// runHandler isolates handler panics so one bad job cannot kill the worker
func (r *Runner) runHandler(ctx context.Context, job *models.Job, payload interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, job, payload)
}

func (r *Runner) decodePayload(job *models.Job) (interface{}, error) {
	if r.desc.NewPayload == nil {
		return job.Payload, nil
	}
	payload := r.desc.NewPayload()
	if err := json.Unmarshal(job.Payload, payload); err != nil {
		return nil, fmt.Errorf("payload does not parse: %w", err)
	}
	if err := r.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("payload failed validation: %w", err)
	}
	return payload, nil
}

// startHeartbeat renews the job lease at a third of its duration until the
// returned stop function is called.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := r.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	common.SafeGo(r.logger, "queue-heartbeat-"+jobID, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.manager.RenewLease(context.Background(), jobID, r.lease); err != nil {
					r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Lease renewal failed")
				}
			}
		}
	})

	return func() {
		once.Do(func() { close(done) })
	}
}

func (r *Runner) notifyComplete(job *models.Job) {
	for _, o := range r.observers {
		o.OnComplete(job)
	}
}

func (r *Runner) notifyError(job *models.Job, err error, permanent bool) {
	for _, o := range r.observers {
		o.OnError(job, err, permanent)
	}
}
