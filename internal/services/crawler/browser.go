// -----------------------------------------------------------------------
// Browser Manager - Shared remote browser connection, per-job contexts,
// cookie injection, and the context reaper
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
)

// BrowserMode selects how page rendering happens
type BrowserMode string

const (
	// ModeConnected shares one remote browser process-wide; each job opens
	// an isolated context.
	ModeConnected BrowserMode = "connected"
	// ModeOnDemand launches a fresh local browser per job.
	ModeOnDemand BrowserMode = "on_demand"
	// ModeBrowserless fetches over plain HTTP, no screenshots or PDFs.
	ModeBrowserless BrowserMode = "browserless"
)

const (
	contextCloseTimeout = 10 * time.Second
	pageCloseTimeout    = 5 * time.Second
	reconnectDelay      = 5 * time.Second
)

// Cookie is one entry of the configured cookie file
type Cookie struct {
	Name     string  `json:"name" validate:"required"`
	Value    string  `json:"value" validate:"required"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty" validate:"omitempty,oneof=Strict Lax None"`
}

// browserSlot tracks one job's open context for the reaper
type browserSlot struct {
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
}

// Browser owns the shared browser connection and every per-job context.
// Reconnection is serialized by a single mutex; contexts are registered in a
// slot map swept by the reaper.
type Browser struct {
	config  *common.CrawlerConfig
	logger  arbor.ILogger
	cookies []Cookie

	mu           sync.Mutex
	browserCtx   context.Context
	browserStop  context.CancelFunc
	allocStop    context.CancelFunc
	connected    bool
	shuttingDown bool

	slotsMu sync.Mutex
	slots   map[string]*browserSlot
}

// NewBrowser creates the browser manager. An invalid cookie file aborts
// initialization; crawling with the wrong session cookies can poison every
// capture silently.
func NewBrowser(config *common.CrawlerConfig, logger arbor.ILogger) (*Browser, error) {
	cookies, err := loadCookieFile(config.BrowserCookiePath)
	if err != nil {
		return nil, err
	}
	return &Browser{
		config:  config,
		logger:  logger,
		cookies: cookies,
		slots:   make(map[string]*browserSlot),
	}, nil
}

// loadCookieFile parses and validates the configured cookie file
func loadCookieFile(path string) ([]Cookie, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file %s: %w", path, err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("cookie file %s does not parse: %w", path, err)
	}
	validate := validator.New()
	for i := range cookies {
		if err := validate.Struct(&cookies[i]); err != nil {
			return nil, fmt.Errorf("cookie file %s entry %d invalid: %w", path, i, err)
		}
	}
	return cookies, nil
}

// Mode returns the configured rendering mode
func (b *Browser) Mode() BrowserMode {
	if b.config.BrowserConnectOnDemand {
		return ModeOnDemand
	}
	if b.config.BrowserWebSocketURL != "" || b.config.BrowserWebURL != "" {
		return ModeConnected
	}
	return ModeBrowserless
}

// Start connects to the shared browser in connected mode. Other modes need
// no startup work.
func (b *Browser) Start(ctx context.Context) error {
	if b.Mode() != ModeConnected {
		return nil
	}
	if err := b.connect(ctx); err != nil {
		// Connected mode degrades to browserless per job; keep trying
		b.logger.Warn().Err(err).Msg("Initial browser connection failed, jobs fall back to browserless")
		b.scheduleReconnect()
	}
	return nil
}

// connect dials the shared browser. Callers hold no locks.
func (b *Browser) connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected || b.shuttingDown {
		return nil
	}

	wsURL := b.config.BrowserWebSocketURL
	if wsURL == "" {
		resolved, err := resolveWebSocketURL(ctx, b.config.BrowserWebURL)
		if err != nil {
			return err
		}
		wsURL = resolved
	}

	allocCtx, allocStop := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Probe the connection so a dead endpoint fails now, not mid-job
	probeCtx, probeCancel := context.WithTimeout(browserCtx, 15*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx); err != nil {
		browserStop()
		allocStop()
		return fmt.Errorf("failed to connect to browser at %s: %w", wsURL, err)
	}

	b.browserCtx = browserCtx
	b.browserStop = browserStop
	b.allocStop = allocStop
	b.connected = true

	// Reconnect when the browser drops out from under us
	go func() {
		<-browserCtx.Done()
		b.mu.Lock()
		wasConnected := b.connected
		b.connected = false
		shuttingDown := b.shuttingDown
		b.mu.Unlock()
		if wasConnected && !shuttingDown {
			b.logger.Warn().Msg("Browser connection lost")
			b.scheduleReconnect()
		}
	}()

	b.logger.Info().Str("ws_url", wsURL).Msg("Connected to shared browser")
	return nil
}

// scheduleReconnect retries the connection after a delay. Suppressed during
// shutdown.
func (b *Browser) scheduleReconnect() {
	time.AfterFunc(reconnectDelay, func() {
		b.mu.Lock()
		stop := b.shuttingDown || b.connected
		b.mu.Unlock()
		if stop {
			return
		}
		if err := b.connect(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("Browser reconnect failed")
			b.scheduleReconnect()
		}
	})
}

// resolveWebSocketURL asks the browser's HTTP endpoint for its debugger URL
func resolveWebSocketURL(ctx context.Context, webURL string) (string, error) {
	if webURL == "" {
		return "", fmt.Errorf("no browser endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webURL+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query browser endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &version); err != nil {
		return "", fmt.Errorf("browser version response does not parse: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser endpoint returned no websocket url")
	}
	return version.WebSocketDebuggerURL, nil
}

// AcquireContext opens an isolated browser context for one job and registers
// it with the reaper. Returns an error when no browser is available; the
// caller falls back to browserless.
func (b *Browser) AcquireContext(jobID string) (context.Context, error) {
	switch b.Mode() {
	case ModeConnected:
		b.mu.Lock()
		if !b.connected {
			b.mu.Unlock()
			return nil, fmt.Errorf("shared browser not connected")
		}
		parent := b.browserCtx
		b.mu.Unlock()

		ctx, cancel := chromedp.NewContext(parent)
		if err := b.prepareContext(ctx); err != nil {
			cancel()
			return nil, err
		}
		b.registerSlot(jobID, ctx, cancel)
		return ctx, nil

	case ModeOnDemand:
		allocOpts := append(
			chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if b.config.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(b.config.UserAgent))
		}
		allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		ctx, ctxStop := chromedp.NewContext(allocCtx)
		cancel := func() {
			ctxStop()
			allocStop()
		}
		if err := b.prepareContext(ctx); err != nil {
			cancel()
			return nil, err
		}
		b.registerSlot(jobID, ctx, cancel)
		return ctx, nil

	default:
		return nil, fmt.Errorf("browserless mode has no browser contexts")
	}
}

// prepareContext injects the configured cookies into a fresh context
func (b *Browser) prepareContext(ctx context.Context) error {
	if len(b.cookies) == 0 {
		return nil
	}
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range b.cookies {
			action := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if c.SameSite != "" {
				action = action.WithSameSite(network.CookieSameSite(c.SameSite))
			}
			if err := action.Do(ctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (b *Browser) registerSlot(jobID string, ctx context.Context, cancel context.CancelFunc) {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	b.slots[jobID] = &browserSlot{
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}
}

// ClosePage closes the job's page, raced against a 5s timeout. Failures are
// logged and swallowed; the context close that follows cleans up anyway.
func (b *Browser) ClosePage(jobID string) {
	b.slotsMu.Lock()
	slot, ok := b.slots[jobID]
	b.slotsMu.Unlock()
	if !ok {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(slot.ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn().Err(err).Str("job_id", jobID).Msg("Page close failed")
		}
	case <-time.After(pageCloseTimeout):
		b.logger.Warn().Str("job_id", jobID).Msg("Page close timed out")
	}
}

// ReleaseContext closes a job's context, raced against a 10s timeout. On
// timeout the slot stays registered so the reaper retries later instead of
// leaking it.
func (b *Browser) ReleaseContext(jobID string) {
	b.slotsMu.Lock()
	slot, ok := b.slots[jobID]
	b.slotsMu.Unlock()
	if !ok {
		return
	}

	done := make(chan struct{})
	go func() {
		slot.cancel()
		close(done)
	}()
	select {
	case <-done:
		b.slotsMu.Lock()
		delete(b.slots, jobID)
		b.slotsMu.Unlock()
	case <-time.After(contextCloseTimeout):
		b.logger.Warn().Str("job_id", jobID).Msg("Context close timed out, leaving slot for reaper")
	}
}

// ScheduleReaper registers the stale-context sweep on the shared cron
// scheduler. Contexts older than job_timeout + 5 min are forcibly closed.
func (b *Browser) ScheduleReaper(c *cron.Cron) error {
	_, err := c.AddFunc("@every 5m", b.reapStaleContexts)
	return err
}

func (b *Browser) reapStaleContexts() {
	maxAge := time.Duration(b.config.JobTimeoutSec)*time.Second + 5*time.Minute
	cutoff := time.Now().Add(-maxAge)

	b.slotsMu.Lock()
	var stale []string
	for jobID, slot := range b.slots {
		if slot.createdAt.Before(cutoff) {
			stale = append(stale, jobID)
		}
	}
	b.slotsMu.Unlock()

	for _, jobID := range stale {
		b.logger.Warn().Str("job_id", jobID).Msg("Reaping stale browser context")
		b.ReleaseContext(jobID)
	}
}

// OpenContexts returns the number of registered job contexts
func (b *Browser) OpenContexts() int {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	return len(b.slots)
}

// Shutdown closes every context and the shared connection. Reconnects are
// suppressed from here on.
func (b *Browser) Shutdown() {
	b.mu.Lock()
	b.shuttingDown = true
	browserStop := b.browserStop
	allocStop := b.allocStop
	b.connected = false
	b.mu.Unlock()

	b.slotsMu.Lock()
	jobIDs := make([]string, 0, len(b.slots))
	for jobID := range b.slots {
		jobIDs = append(jobIDs, jobID)
	}
	b.slotsMu.Unlock()
	for _, jobID := range jobIDs {
		b.ReleaseContext(jobID)
	}

	if browserStop != nil {
		browserStop()
	}
	if allocStop != nil {
		allocStop()
	}
	b.logger.Info().Msg("Browser manager shut down")
}
