package badger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

// rateLimitWindow is the persisted sliding window for one (bucket, key)
type rateLimitWindow struct {
	Key  string      `badgerhold:"key"` // bucket + "|" + key
	Hits []time.Time `json:"hits"`
}

// RateLimitStorage implements interfaces.RateLimitStorage with a persisted
// sliding window. The store is in-process, so a mutex stands in for the
// server-side script a remote store would need.
type RateLimitStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewRateLimitStorage creates a new RateLimitStorage instance
func NewRateLimitStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RateLimitStorage {
	return &RateLimitStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RateLimitStorage) Take(ctx context.Context, bucket, key string, maxRequests int, window time.Duration) (bool, int, error) {
	if maxRequests <= 0 {
		return true, 0, nil // Limiting disabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordKey := bucket + "|" + key
	now := time.Now()
	cutoff := now.Add(-window)

	var rec rateLimitWindow
	err := s.db.Store().Get(recordKey, &rec)
	if err == badgerhold.ErrNotFound {
		rec = rateLimitWindow{Key: recordKey}
	} else if err != nil {
		return false, 0, fmt.Errorf("failed to get rate limit window: %w", err)
	}

	// Prune timestamps outside the window
	kept := rec.Hits[:0]
	for _, ts := range rec.Hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.Hits = kept

	if len(rec.Hits) >= maxRequests {
		oldest := rec.Hits[0]
		for _, ts := range rec.Hits {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		resetIn := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
		if resetIn < 1 {
			resetIn = 1
		}
		// Persist the pruned window so it does not grow unbounded
		if err := s.db.Store().Upsert(recordKey, rec); err != nil {
			s.logger.Warn().Err(err).Str("key", recordKey).Msg("Failed to persist pruned rate limit window")
		}
		return false, resetIn, nil
	}

	rec.Hits = append(rec.Hits, now)
	if err := s.db.Store().Upsert(recordKey, rec); err != nil {
		return false, 0, fmt.Errorf("failed to persist rate limit window: %w", err)
	}
	return true, 0, nil
}
