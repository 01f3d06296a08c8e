// -----------------------------------------------------------------------
// Crawl Pipeline - The crawl queue handler: rate-limit gate, probe, browser
// capture, parser extraction, two-phase persistence, asset storage, and
// follow-up job fan-out
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/metrics"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	"github.com/ternarybob/stash/internal/services/assets"
	"github.com/ternarybob/stash/internal/services/parser"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

const bannerImageCap = 10 * 1024 * 1024

// Pipeline is the crawl queue handler. One instance serves every crawl
// worker; all per-job state lives on the stack.
type Pipeline struct {
	config    *common.CrawlerConfig
	queues    *queue.Manager
	bookmarks interfaces.BookmarkStorage
	assetRows interfaces.AssetStorage
	blobs     *assets.Store
	browser   *Browser
	prober    *Prober
	policy    *URLPolicy
	limiter   *RateLimiter
	parser    *parser.Bridge
	archiver  *Archiver
	client    *http.Client
	metrics   *metrics.Metrics
	logger    arbor.ILogger
}

// PipelineDeps carries the collaborators the pipeline is wired with
type PipelineDeps struct {
	Config    *common.CrawlerConfig
	Queues    *queue.Manager
	Bookmarks interfaces.BookmarkStorage
	AssetRows interfaces.AssetStorage
	Blobs     *assets.Store
	Browser   *Browser
	Prober    *Prober
	Policy    *URLPolicy
	Limiter   *RateLimiter
	Parser    *parser.Bridge
	Archiver  *Archiver
	Client    *http.Client
	Metrics   *metrics.Metrics
	Logger    arbor.ILogger
}

// NewPipeline assembles the crawl handler
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		config:    deps.Config,
		queues:    deps.Queues,
		bookmarks: deps.Bookmarks,
		assetRows: deps.AssetRows,
		blobs:     deps.Blobs,
		browser:   deps.Browser,
		prober:    deps.Prober,
		policy:    deps.Policy,
		limiter:   deps.Limiter,
		parser:    deps.Parser,
		archiver:  deps.Archiver,
		client:    deps.Client,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// storedArtifacts collects the asset rows written during one crawl, by role
type storedArtifacts struct {
	mu         sync.Mutex
	byRole     map[models.AssetRole]string
	inlineHTML string
}

func (s *storedArtifacts) set(role models.AssetRole, assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRole[role] = assetID
}

// Handle enriches one link bookmark. Returns RetryAfterError for rate-limit
// deferral, PermanentError for unfixable failures, plain errors for
// retryable ones.
func (p *Pipeline) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.CrawlPayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}

	b, err := p.bookmarks.GetBookmark(ctx, pl.BookmarkID)
	if err != nil {
		if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			// Bookmark deleted between enqueue and dequeue
			p.logger.Info().Str("bookmark_id", pl.BookmarkID).Msg("Crawl skipped, bookmark no longer exists")
			return nil
		}
		return err
	}
	if b.Type != models.BookmarkTypeLink || b.URL == "" {
		// Already morphed to an asset or never crawlable
		return nil
	}
	firstCrawl := b.CrawledAt == nil

	if err := p.policy.Validate(b.URL); err != nil {
		return p.failCrawl(ctx, b.ID, job, 0, err, true)
	}

	// Step 1: domain rate-limit gate
	if err := p.limiter.Check(ctx, b.URL); err != nil {
		return err
	}

	// Step 2: content-type probe, possibly morphing link to asset
	probe, err := p.prober.Probe(ctx, b)
	if err != nil {
		return p.failCrawl(ctx, b.ID, job, 0, err, false)
	}
	if probe.Morphed {
		p.enqueueFollowUp(ctx, models.QueueAssetPreprocessing,
			&models.AssetPreprocessingPayload{BookmarkID: b.ID}, job, b.UserID)
		return nil
	}

	// Steps 3-6: render and capture, or reuse a precrawled archive
	capture, err := p.renderPage(ctx, job, b, pl)
	if err != nil {
		return p.failCrawl(ctx, b.ID, job, 0, err, false)
	}

	p.metrics.RecordStatusCode(strconv.Itoa(capture.StatusCode))

	// Step 7: status-code retry policy
	if retryableStatus(capture.StatusCode) {
		statusErr := fmt.Errorf("crawl returned status %d", capture.StatusCode)
		return p.failCrawl(ctx, b.ID, job, capture.StatusCode, statusErr, false)
	}

	// Step 8: content extraction in the parser subprocess
	parsed, err := p.parser.Parse(ctx, capture.HTML, capture.FinalURL, job.ID)
	if err != nil {
		fatal := errors.Is(err, parser.ErrParserOOM) && job.RunsAttempted > job.MaxRetries
		return p.failCrawl(ctx, b.ID, job, capture.StatusCode, err, fatal)
	}

	// Step 9: phase-1 metadata write, fast and user-visible
	if err := p.writeMetadata(ctx, b.ID, parsed.Metadata, capture.StatusCode); err != nil {
		return p.failCrawl(ctx, b.ID, job, capture.StatusCode, err, false)
	}

	// Step 10: asset storage under quota, in parallel
	artifacts := p.storeArtifacts(ctx, b, capture, parsed)

	// Step 11: phase-2 transactional write and superseded-asset cleanup
	if err := p.finalizeCrawl(ctx, b, pl, artifacts); err != nil {
		return p.failCrawl(ctx, b.ID, job, capture.StatusCode, err, false)
	}

	// Step 12: follow-up job fan-out
	p.fanOut(ctx, job, b, pl)

	// Step 13: full-page archive, last and best-effort
	if (p.config.FullPageArchive || pl.ArchiveFullPage) && capture.HTML != "" {
		p.archivePage(ctx, b, capture)
	}

	// Step 14: creation-to-crawl latency for user-initiated first crawls
	if firstCrawl && job.Priority == models.PriorityUserInitiated {
		p.metrics.RecordCrawlLatency(time.Since(b.CreatedAt).Seconds())
	}

	p.logger.Info().
		Str("bookmark_id", b.ID).
		Str("url", b.URL).
		Int("status_code", capture.StatusCode).
		Msg("Crawl completed")
	return nil
}

// renderPage produces the page capture via the configured browser mode. A
// stored precrawled archive short-circuits rendering entirely; an
// unavailable browser degrades to a plain HTTP fetch.
func (p *Pipeline) renderPage(ctx context.Context, job *models.Job, b *models.Bookmark, pl *models.CrawlPayload) (*CaptureResult, error) {
	if pre, err := p.assetRows.FindByRole(ctx, b.ID, models.AssetRolePrecrawledArchive); err == nil && pre != nil {
		data, _, err := p.blobs.ReadAll(ctx, pre.ID)
		if err == nil {
			p.logger.Info().Str("bookmark_id", b.ID).Str("asset_id", pre.ID).Msg("Using precrawled archive, skipping browser")
			return &CaptureResult{
				HTML:       string(data),
				StatusCode: http.StatusOK,
				FinalURL:   b.URL,
			}, nil
		}
		p.logger.Warn().Err(err).Str("asset_id", pre.ID).Msg("Precrawled archive unreadable, rendering instead")
	}

	if p.browser.Mode() == ModeBrowserless {
		return p.renderBrowserless(ctx, b.URL)
	}

	browserCtx, err := p.browser.AcquireContext(job.ID)
	if err != nil {
		p.logger.Warn().Err(err).Str("bookmark_id", b.ID).Msg("No browser available, falling back to browserless")
		return p.renderBrowserless(ctx, b.URL)
	}
	defer p.browser.ReleaseContext(job.ID)

	// The browser context outlives the job context; watch the job and tear
	// the page down if it is cancelled mid-capture
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.browser.ClosePage(job.ID)
		case <-watchDone:
		}
	}()

	// Step 4: navigation guards before any navigation happens
	if err := installGuards(browserCtx, p.policy, p.config.EnableAdblocker, p.logger); err != nil {
		return nil, fmt.Errorf("failed to install navigation guards: %w", err)
	}

	opts := CaptureOptions{
		NavigateTimeout:   time.Duration(p.config.NavigateTimeoutSec) * time.Second,
		ScreenshotTimeout: time.Duration(p.config.ScreenshotTimeoutSec) * time.Second,
		WantScreenshot:    p.config.StoreScreenshot,
		FullPageShot:      p.config.FullPageScreenshot,
		WantPDF:           p.config.StorePDF || pl.StorePDF,
	}
	capture, err := capturePage(browserCtx, b.URL, opts, p.logger)
	p.browser.ClosePage(job.ID)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return capture, nil
}

func (p *Pipeline) renderBrowserless(ctx context.Context, pageURL string) (*CaptureResult, error) {
	html, status, err := fetchBrowserless(ctx, p.client, pageURL, p.config.UserAgent)
	if err != nil {
		return nil, err
	}
	return &CaptureResult{HTML: html, StatusCode: status, FinalURL: pageURL}, nil
}

// retryableStatus implements the status-code retry policy: forbidden,
// throttled, and server errors are worth another attempt
func retryableStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || code >= 500
}

// writeMetadata is the phase-1 persistence: one fast update with everything
// the parser extracted. The crawl stays non-success until phase 2 commits;
// a success status must never be observable without its crawl timestamp.
func (p *Pipeline) writeMetadata(ctx context.Context, bookmarkID string, meta *parser.Metadata, statusCode int) error {
	_, err := p.bookmarks.UpdateBookmark(ctx, bookmarkID, func(row *models.Bookmark) error {
		if meta != nil {
			if meta.Title != "" {
				row.Title = meta.Title
			}
			if meta.Description != "" {
				row.Description = meta.Description
			}
			if meta.Image != "" {
				row.ImageURL = meta.Image
			}
			if meta.Logo != "" {
				row.Favicon = meta.Logo
			}
			if meta.Author != "" {
				row.Author = meta.Author
			}
			if meta.Publisher != "" {
				row.Publisher = meta.Publisher
			}
			if ts := parseMetaTime(meta.DatePublished); ts != nil {
				row.DatePublished = ts
			}
			if ts := parseMetaTime(meta.DateModified); ts != nil {
				row.DateModified = ts
			}
		}
		row.CrawlStatusCode = statusCode
		row.ModifiedAt = time.Now()
		return nil
	})
	return err
}

// storeArtifacts saves screenshot, PDF, readable content, and banner image
// in parallel. Each artifact is best-effort: quota and download failures log
// and downgrade to an absent artifact, never failing the job.
func (p *Pipeline) storeArtifacts(ctx context.Context, b *models.Bookmark, capture *CaptureResult, parsed *parser.Response) *storedArtifacts {
	artifacts := &storedArtifacts{byRole: make(map[models.AssetRole]string)}

	var wg sync.WaitGroup

	if len(capture.Screenshot) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id := p.saveArtifact(ctx, b, models.AssetRoleScreenshot, "image/jpeg", "screenshot.jpg", capture.Screenshot); id != "" {
				artifacts.set(models.AssetRoleScreenshot, id)
			}
		}()
	}

	if len(capture.PDF) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id := p.saveArtifact(ctx, b, models.AssetRolePDF, "application/pdf", "page.pdf", capture.PDF); id != "" {
				artifacts.set(models.AssetRolePDF, id)
			}
		}()
	}

	if parsed.ReadableContent != nil && parsed.ReadableContent.Content != "" {
		content := parsed.ReadableContent.Content
		if len(content) < p.config.HTMLContentSizeThreshold {
			artifacts.inlineHTML = content
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if id := p.saveArtifact(ctx, b, models.AssetRoleHTMLContent, "text/markdown", "content.md", []byte(content)); id != "" {
					artifacts.set(models.AssetRoleHTMLContent, id)
				}
			}()
		}
	}

	if p.config.DownloadBannerImage && parsed.Metadata != nil && parsed.Metadata.Image != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id := p.downloadBanner(ctx, b, parsed.Metadata.Image); id != "" {
				artifacts.set(models.AssetRoleBannerImage, id)
			}
		}()
	}

	wg.Wait()
	return artifacts
}

func (p *Pipeline) saveArtifact(ctx context.Context, b *models.Bookmark, role models.AssetRole, contentType, fileName string, data []byte) string {
	asset := &models.Asset{
		ID:          common.NewAssetID(),
		BookmarkID:  b.ID,
		UserID:      b.UserID,
		Role:        role,
		ContentType: contentType,
		FileName:    fileName,
		CreatedAt:   time.Now(),
	}
	if err := p.blobs.SaveBytes(ctx, asset, data); err != nil {
		p.logger.Warn().Err(err).
			Str("bookmark_id", b.ID).
			Str("role", string(role)).
			Msg("Artifact not stored")
		return ""
	}
	return asset.ID
}

func (p *Pipeline) downloadBanner(ctx context.Context, b *models.Bookmark, imageURL string) string {
	if err := p.policy.Validate(imageURL); err != nil {
		p.logger.Debug().Str("url", imageURL).Msg("Banner image blocked by URL policy")
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return ""
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", imageURL).Msg("Banner image download failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	data, err := readCapped(resp.Body, bannerImageCap)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", imageURL).Msg("Banner image rejected")
		return ""
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return p.saveArtifact(ctx, b, models.AssetRoleBannerImage, contentType, fileNameFromURL(imageURL, contentType), data)
}

// finalizeCrawl is the phase-2 persistence: one atomic update attaching the
// stored artifacts and flipping the crawl to success together with its
// timestamp, then cleanup jobs for whatever the artifacts superseded
func (p *Pipeline) finalizeCrawl(ctx context.Context, b *models.Bookmark, pl *models.CrawlPayload, artifacts *storedArtifacts) error {
	superseded := p.collectSuperseded(ctx, b.ID, artifacts)

	now := time.Now()
	_, err := p.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
		row.CrawlStatus = models.CrawlStatusSuccess
		row.CrawledAt = &now
		if artifacts.inlineHTML != "" {
			row.HTMLContent = artifacts.inlineHTML
			row.ContentAssetID = ""
		} else if id, ok := artifacts.byRole[models.AssetRoleHTMLContent]; ok {
			row.ContentAssetID = id
			row.HTMLContent = ""
		}
		if !pl.RunInference {
			// Nothing downstream will settle these, clear them so imports
			// and the UI do not wait forever
			row.TaggingStatus = nil
			row.SummarizationStatus = nil
		}
		row.ModifiedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	if len(superseded) > 0 {
		p.enqueueCleanup(ctx, superseded)
	}
	return nil
}

// collectSuperseded finds prior assets replaced by this crawl's artifacts
func (p *Pipeline) collectSuperseded(ctx context.Context, bookmarkID string, artifacts *storedArtifacts) []string {
	artifacts.mu.Lock()
	roles := make([]models.AssetRole, 0, len(artifacts.byRole))
	for role := range artifacts.byRole {
		roles = append(roles, role)
	}
	newIDs := make(map[models.AssetRole]string, len(artifacts.byRole))
	for role, id := range artifacts.byRole {
		newIDs[role] = id
	}
	artifacts.mu.Unlock()

	var superseded []string
	for _, role := range roles {
		old, err := p.assetRows.FindByRole(ctx, bookmarkID, role)
		if err != nil || old == nil {
			continue
		}
		if old.ID != newIDs[role] {
			superseded = append(superseded, old.ID)
		}
	}
	return superseded
}

func (p *Pipeline) enqueueCleanup(ctx context.Context, assetIDs []string) {
	_, err := p.queues.Enqueue(ctx, models.QueueAssetCleanup,
		&models.AssetCleanupPayload{AssetIDs: assetIDs}, queue.EnqueueOptions{})
	if err != nil {
		p.logger.Warn().Err(err).Int("count", len(assetIDs)).Msg("Failed to enqueue superseded asset cleanup")
	}
}

// fanOut enqueues the downstream jobs with the parent's priority and the
// user as the fairness group
func (p *Pipeline) fanOut(ctx context.Context, job *models.Job, b *models.Bookmark, pl *models.CrawlPayload) {
	opts := queue.EnqueueOptions{Priority: job.Priority, GroupID: b.UserID}

	if pl.RunInference {
		p.enqueue(ctx, models.QueueInference,
			&models.InferencePayload{BookmarkID: b.ID, Type: models.InferenceTag}, opts)
		p.enqueue(ctx, models.QueueInference,
			&models.InferencePayload{BookmarkID: b.ID, Type: models.InferenceSummarize}, opts)
	}

	p.enqueue(ctx, models.QueueSearchIndex,
		&models.SearchIndexPayload{BookmarkID: b.ID, Type: models.SearchIndexUpsert}, opts)

	if p.config.DownloadVideo {
		p.enqueue(ctx, models.QueueVideo,
			&models.VideoPayload{BookmarkID: b.ID, URL: b.URL}, opts)
	}

	p.enqueue(ctx, models.QueueWebhook,
		&models.WebhookPayload{BookmarkID: b.ID, Event: models.WebhookEventCrawled, UserID: b.UserID}, opts)

	p.enqueue(ctx, models.QueueRuleEngine,
		&models.RuleEnginePayload{
			BookmarkID: b.ID,
			Events:     []models.RuleEngineEvent{{Type: "bookmarkAdded"}},
		}, opts)
}

func (p *Pipeline) enqueue(ctx context.Context, queueName string, payload interface{}, opts queue.EnqueueOptions) {
	if _, err := p.queues.Enqueue(ctx, queueName, payload, opts); err != nil {
		p.logger.Error().Err(err).Str("queue", queueName).Msg("Follow-up enqueue failed")
	}
}

func (p *Pipeline) enqueueFollowUp(ctx context.Context, queueName string, payload interface{}, job *models.Job, userID string) {
	p.enqueue(ctx, queueName, payload, queue.EnqueueOptions{Priority: job.Priority, GroupID: userID})
}

// archivePage runs the external archiver and swaps the stored archive asset
func (p *Pipeline) archivePage(ctx context.Context, b *models.Bookmark, capture *CaptureResult) {
	if p.archiver == nil || !p.archiver.Available() {
		p.logger.Debug().Str("bookmark_id", b.ID).Msg("Archiver unavailable, skipping full-page archive")
		return
	}

	data, err := p.archiver.Archive(ctx, capture.HTML, capture.FinalURL)
	if err != nil {
		p.logger.Warn().Err(err).Str("bookmark_id", b.ID).Msg("Full-page archive failed")
		return
	}

	old, _ := p.assetRows.FindByRole(ctx, b.ID, models.AssetRoleFullPageArchive)

	id := p.saveArtifact(ctx, b, models.AssetRoleFullPageArchive, "text/html", "archive.html", data)
	if id == "" {
		return
	}
	if old != nil && old.ID != id {
		p.enqueueCleanup(ctx, []string{old.ID})
	}
}

// failCrawl records a failed attempt. On the final attempt, or when the
// failure is unfixable, the bookmark flips to crawl failure and its pending
// inference statuses are cleared so nothing waits on jobs that never come.
func (p *Pipeline) failCrawl(ctx context.Context, bookmarkID string, job *models.Job, statusCode int, cause error, fatal bool) error {
	lastAttempt := job.RunsAttempted > job.MaxRetries
	if fatal || lastAttempt {
		_, err := p.bookmarks.UpdateBookmark(ctx, bookmarkID, func(row *models.Bookmark) error {
			row.CrawlStatus = models.CrawlStatusFailure
			if statusCode > 0 {
				row.CrawlStatusCode = statusCode
			}
			if row.TaggingStatus != nil && *row.TaggingStatus == models.InferenceStatusPending {
				row.TaggingStatus = nil
			}
			if row.SummarizationStatus != nil && *row.SummarizationStatus == models.InferenceStatusPending {
				row.SummarizationStatus = nil
			}
			row.ModifiedAt = time.Now()
			return nil
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("bookmark_id", bookmarkID).Msg("Failed to record crawl failure on bookmark")
		}
	}
	if fatal {
		return queue.Permanent(cause)
	}
	return cause
}

// parseMetaTime parses the loose date strings pages put in their metadata
func parseMetaTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}
