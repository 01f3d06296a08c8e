package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
)

type recordingEngine struct {
	mu      sync.Mutex
	upserts [][]Document
	deletes [][]string
	err     error
}

func (e *recordingEngine) Upsert(ctx context.Context, docs []Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upserts = append(e.upserts, docs)
	return e.err
}

func (e *recordingEngine) Delete(ctx context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, ids)
	return e.err
}

func (e *recordingEngine) snapshot() ([][]Document, [][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]Document{}, e.upserts...), append([][]string{}, e.deletes...)
}

func newTestBatcher(t *testing.T, engine Engine, window string, maxBatch int) *Batcher {
	t.Helper()
	b, err := NewBatcher(engine, &common.SearchConfig{
		FlushWindow:  window,
		MaxBatchSize: maxBatch,
	}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	engine := &recordingEngine{}
	b := newTestBatcher(t, engine, "50ms", 50)

	start := time.Now()
	err := b.Submit(context.Background(), Op{Type: OpUpsert, Doc: Document{ID: "bm_1"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "waited for the window")

	upserts, _ := engine.snapshot()
	require.Len(t, upserts, 1)
	assert.Equal(t, "bm_1", upserts[0][0].ID)
}

func TestBatcherFlushesEarlyWhenFull(t *testing.T) {
	engine := &recordingEngine{}
	b := newTestBatcher(t, engine, "10s", 3)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		id := fmt.Sprintf("bm_%d", i)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Submit(context.Background(), Op{Type: OpUpsert, Doc: Document{ID: id}}))
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batcher did not flush a full batch early")
	}

	upserts, _ := engine.snapshot()
	total := 0
	for _, batch := range upserts {
		total += len(batch)
	}
	assert.Equal(t, 3, total)
}

func TestBatcherSplitsMixedTypesInOrder(t *testing.T) {
	engine := &recordingEngine{}
	b := newTestBatcher(t, engine, "80ms", 50)

	var wg sync.WaitGroup
	submit := func(op Op) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Submit(context.Background(), op))
		}()
	}

	// Interleave deliberately: delete must not be merged across the upserts
	submit(Op{Type: OpUpsert, Doc: Document{ID: "bm_1"}})
	time.Sleep(5 * time.Millisecond)
	submit(Op{Type: OpUpsert, Doc: Document{ID: "bm_2"}})
	time.Sleep(5 * time.Millisecond)
	submit(Op{Type: OpDelete, ID: "bm_old"})
	time.Sleep(5 * time.Millisecond)
	submit(Op{Type: OpUpsert, Doc: Document{ID: "bm_3"}})
	wg.Wait()

	upserts, deletes := engine.snapshot()
	require.Len(t, deletes, 1)
	assert.Equal(t, []string{"bm_old"}, deletes[0])

	// Two upsert runs: the pair before the delete, and the one after
	require.Len(t, upserts, 2)
	assert.Len(t, upserts[0], 2)
	assert.Equal(t, "bm_1", upserts[0][0].ID)
	assert.Equal(t, "bm_2", upserts[0][1].ID)
	assert.Len(t, upserts[1], 1)
	assert.Equal(t, "bm_3", upserts[1][0].ID)
}

func TestBatcherPropagatesEngineFailureToEveryCaller(t *testing.T) {
	engine := &recordingEngine{err: fmt.Errorf("engine offline")}
	b := newTestBatcher(t, engine, "30ms", 50)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			errs[idx] = b.Submit(context.Background(), Op{Type: OpUpsert, Doc: Document{ID: fmt.Sprintf("bm_%d", idx)}})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine offline")
	}
}

func TestBatcherRejectsSubmitAfterStop(t *testing.T) {
	engine := &recordingEngine{}
	b := newTestBatcher(t, engine, "30ms", 50)
	b.Stop()

	err := b.Submit(context.Background(), Op{Type: OpDelete, ID: "bm_1"})
	require.Error(t, err)
}
