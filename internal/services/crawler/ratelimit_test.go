package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/queue"
)

type stubRateLimitStore struct {
	allowed bool
	reset   int
	err     error
	keys    []string
}

func (s *stubRateLimitStore) Take(ctx context.Context, bucket, key string, maxRequests int, window time.Duration) (bool, int, error) {
	s.keys = append(s.keys, bucket+"/"+key)
	return s.allowed, s.reset, s.err
}

func newTestLimiter(store *stubRateLimitStore, maxRequests int) *RateLimiter {
	return NewRateLimiter(store, &common.RateLimitConfig{
		MaxRequests: maxRequests,
		WindowMs:    60000,
	}, arbor.NewLogger())
}

func TestRateLimiterAllows(t *testing.T) {
	store := &stubRateLimitStore{allowed: true}
	r := newTestLimiter(store, 10)

	require.NoError(t, r.Check(context.Background(), "https://example.com/page"))
	require.Len(t, store.keys, 1)
	assert.Equal(t, "crawl_domain/example.com", store.keys[0])
}

func TestRateLimiterDenyReturnsJitteredRetryAfter(t *testing.T) {
	store := &stubRateLimitStore{allowed: false, reset: 30}
	r := newTestLimiter(store, 10)

	for i := 0; i < 50; i++ {
		err := r.Check(context.Background(), "https://example.com/page")
		require.Error(t, err)

		var retryAfter *queue.RetryAfterError
		require.True(t, errors.As(err, &retryAfter))

		// reset * [1.0, 1.4)
		assert.GreaterOrEqual(t, retryAfter.Delay, 30*time.Second)
		assert.Less(t, retryAfter.Delay, 42*time.Second)
	}
}

func TestRateLimiterFailsOpenOnStoreError(t *testing.T) {
	store := &stubRateLimitStore{err: fmt.Errorf("store offline")}
	r := newTestLimiter(store, 10)

	require.NoError(t, r.Check(context.Background(), "https://example.com/page"))
}

func TestRateLimiterDisabledWhenNoLimitConfigured(t *testing.T) {
	store := &stubRateLimitStore{allowed: false, reset: 30}
	r := newTestLimiter(store, 0)

	require.NoError(t, r.Check(context.Background(), "https://example.com/page"))
	assert.Empty(t, store.keys, "disabled limiter must not touch the store")
}

func TestRateLimiterSkipsUnparseableURL(t *testing.T) {
	store := &stubRateLimitStore{allowed: false, reset: 30}
	r := newTestLimiter(store, 10)

	require.NoError(t, r.Check(context.Background(), "://not-a-url"))
	assert.Empty(t, store.keys)
}
