// -----------------------------------------------------------------------
// Domain Rate Limiter - Per-host gate in front of the crawl pipeline
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/queue"
)

const rateLimitBucket = "crawl_domain"

// RateLimiter gates crawl jobs per URL host on a persisted sliding window.
// A denied job comes back as a RetryAfterError with 1.0-1.4x jitter on the
// window reset so a burst against one domain does not re-arrive as a burst.
type RateLimiter struct {
	store       interfaces.RateLimitStorage
	logger      arbor.ILogger
	maxRequests int
	window      time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRateLimiter creates the domain gate from crawler config
func NewRateLimiter(store interfaces.RateLimitStorage, config *common.RateLimitConfig, logger arbor.ILogger) *RateLimiter {
	return &RateLimiter{
		store:       store,
		logger:      logger,
		maxRequests: config.MaxRequests,
		window:      time.Duration(config.WindowMs) * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Check takes one slot for the URL's host. On deny it returns a
// RetryAfterError carrying the jittered reset delay. Store errors fail open:
// a broken limiter must not stop the crawler.
func (r *RateLimiter) Check(ctx context.Context, rawURL string) error {
	if r.maxRequests <= 0 {
		return nil
	}

	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	allowed, resetInSeconds, err := r.store.Take(ctx, rateLimitBucket, host, r.maxRequests, r.window)
	if err != nil {
		r.logger.Warn().Err(err).Str("host", host).Msg("Rate limit store error, failing open")
		return nil
	}
	if allowed {
		return nil
	}

	delay := r.jitter(time.Duration(resetInSeconds) * time.Second)
	r.logger.Debug().
		Str("host", host).
		Str("retry_after", delay.String()).
		Msg("Domain rate limited")
	return &queue.RetryAfterError{Delay: delay}
}

// jitter scales the delay by a uniform factor in [1.0, 1.4)
func (r *RateLimiter) jitter(d time.Duration) time.Duration {
	r.rngMu.Lock()
	factor := 1.0 + r.rng.Float64()*0.4
	r.rngMu.Unlock()
	return time.Duration(float64(d) * factor)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
