// -----------------------------------------------------------------------
// Index Batcher - Amortizes search engine round-trips over a short window.
// Same-type operations flush together in insertion order; every caller
// blocks on its own operation's outcome.
// -----------------------------------------------------------------------

package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
)

// OpType discriminates index operations
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Op is one queued index operation. Doc is set for upserts, ID for deletes.
type Op struct {
	Type OpType
	Doc  Document
	ID   string
}

type pendingOp struct {
	op   Op
	done chan error
}

// Batcher queues index operations and flushes them to the engine when the
// window elapses or the batch size is reached. A flush walks the queue in
// insertion order and cuts it into maximal same-type runs, so an upsert
// never overtakes the delete that preceded it.
type Batcher struct {
	engine      Engine
	logger      arbor.ILogger
	flushWindow time.Duration
	maxBatch    int

	mu      sync.Mutex
	pending []*pendingOp
	timer   *time.Timer

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBatcher creates the batcher from search config
func NewBatcher(engine Engine, config *common.SearchConfig, logger arbor.ILogger) (*Batcher, error) {
	window := 500 * time.Millisecond
	if config.FlushWindow != "" {
		parsed, err := time.ParseDuration(config.FlushWindow)
		if err != nil {
			return nil, fmt.Errorf("invalid search flush_window %q: %w", config.FlushWindow, err)
		}
		window = parsed
	}
	maxBatch := config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 50
	}
	return &Batcher{
		engine:      engine,
		logger:      logger,
		flushWindow: window,
		maxBatch:    maxBatch,
		stopped:     make(chan struct{}),
	}, nil
}

// Submit queues op and blocks until its batch resolves against the engine
// or ctx is cancelled. Cancellation abandons the wait, not the operation.
func (b *Batcher) Submit(ctx context.Context, op Op) error {
	p := &pendingOp{op: op, done: make(chan error, 1)}

	b.mu.Lock()
	select {
	case <-b.stopped:
		b.mu.Unlock()
		return fmt.Errorf("index batcher is stopped")
	default:
	}

	b.pending = append(b.pending, p)
	full := len(b.pending) >= b.maxBatch
	if b.timer == nil && !full {
		b.timer = time.AfterFunc(b.flushWindow, b.flush)
	}
	b.mu.Unlock()

	if full {
		b.flush()
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes whatever is queued and rejects further submits
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.stopped)
		b.mu.Unlock()
		b.flush()
	})
}

// flush drains the queue and resolves every pending operation
func (b *Batcher) flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	ops := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(ops) == 0 {
		return
	}

	// Cut into maximal same-type runs, preserving insertion order
	start := 0
	for i := 1; i <= len(ops); i++ {
		if i == len(ops) || ops[i].op.Type != ops[start].op.Type {
			b.dispatch(ops[start:i])
			start = i
		}
	}
}

func (b *Batcher) dispatch(run []*pendingOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch run[0].op.Type {
	case OpUpsert:
		docs := make([]Document, len(run))
		for i, p := range run {
			docs[i] = p.op.Doc
		}
		err = b.engine.Upsert(ctx, docs)
	case OpDelete:
		ids := make([]string, len(run))
		for i, p := range run {
			ids[i] = p.op.ID
		}
		err = b.engine.Delete(ctx, ids)
	default:
		err = fmt.Errorf("unknown index op type %q", run[0].op.Type)
	}

	if err != nil {
		b.logger.Warn().Err(err).
			Str("type", string(run[0].op.Type)).
			Int("batch_size", len(run)).
			Msg("Search index batch failed")
	} else {
		b.logger.Debug().
			Str("type", string(run[0].op.Type)).
			Int("batch_size", len(run)).
			Msg("Search index batch flushed")
	}

	for _, p := range run {
		p.done <- err
	}
}
