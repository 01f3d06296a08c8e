package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

type pipelineFixture struct {
	pipeline  *Pipeline
	queues    *queue.Manager
	bookmarks interfaces.BookmarkStorage
	assetRows interfaces.AssetStorage
	blobs     *assets.Store
}

// fakeParserScript answers every parse with fixed metadata and content
const fakeParserScript = `echo '{"metadata":{"title":"Extracted Title","description":"Extracted description","image":"https://cdn.example.com/banner.jpg"},"readable_content":{"content":"# Extracted Title\n\nArticle body."}}'`

func newPipelineFixture(t *testing.T, crawlerCfg *common.CrawlerConfig, parserScript string) *pipelineFixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "pipeline-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bookmarks := badgerstorage.NewBookmarkStorage(db, logger)
	assetRows := badgerstorage.NewAssetStorage(db, logger)
	queueStore := badgerstorage.NewQueueStorage(db, logger)
	rateStore := badgerstorage.NewRateLimitStorage(db, logger)

	blobs, err := assets.NewStore(&common.StorageConfig{
		Filesystem:     common.FilesystemConfig{Assets: filepath.Join(t.TempDir(), "blobs")},
		MaxAssetSizeMB: 10,
		UserQuotaMB:    100,
	}, assetRows, logger)
	require.NoError(t, err)

	manager := queue.NewManager(queueStore, logger, time.Second, time.Minute)
	for _, name := range []string{
		models.QueueCrawl, models.QueueInference, models.QueueSearchIndex,
		models.QueueAssetPreprocessing, models.QueueVideo, models.QueueWebhook,
		models.QueueRuleEngine, models.QueueAssetCleanup,
	} {
		require.NoError(t, manager.Register(queue.Descriptor{
			Name:    name,
			Timeout: time.Minute,
		}))
	}

	binPath := filepath.Join(t.TempDir(), "stash-parser")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"+parserScript+"\n"), 0755))
	bridge := parser.NewBridgeWithBinary(binPath, crawlerCfg, logger)

	browser, err := NewBrowser(crawlerCfg, logger)
	require.NoError(t, err)
	require.Equal(t, ModeBrowserless, browser.Mode())

	policy := NewURLPolicy()
	limiter := NewRateLimiter(rateStore, &crawlerCfg.DomainRateLimiting, logger)
	prober := NewProber(http.DefaultClient, blobs, bookmarks, crawlerCfg, logger)

	p := NewPipeline(PipelineDeps{
		Config:    crawlerCfg,
		Queues:    manager,
		Bookmarks: bookmarks,
		AssetRows: assetRows,
		Blobs:     blobs,
		Browser:   browser,
		Prober:    prober,
		Policy:    policy,
		Limiter:   limiter,
		Parser:    bridge,
		Archiver:  NewArchiver(common.NewProxySelector(common.ProxyConfig{}), logger),
		Client:    http.DefaultClient,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Logger:    logger,
	})

	return &pipelineFixture{
		pipeline:  p,
		queues:    manager,
		bookmarks: bookmarks,
		assetRows: assetRows,
		blobs:     blobs,
	}
}

func defaultCrawlerConfig() *common.CrawlerConfig {
	return &common.CrawlerConfig{
		JobTimeoutSec:            60,
		NavigateTimeoutSec:       10,
		ScreenshotTimeoutSec:     10,
		ParseTimeoutSec:          5,
		HTMLContentSizeThreshold: 64 * 1024,
	}
}

func crawlJob(attempt int) *models.Job {
	return &models.Job{
		ID:            "job-crawl-1",
		Queue:         models.QueueCrawl,
		Priority:      models.PriorityUserInitiated,
		RunsAttempted: attempt,
		MaxRetries:    2,
	}
}

func (f *pipelineFixture) seedBookmark(t *testing.T, url string) *models.Bookmark {
	t.Helper()
	b := models.NewLinkBookmark("bm_1", "user-1", url)
	require.NoError(t, f.bookmarks.SaveBookmark(context.Background(), b))
	return b
}

func (f *pipelineFixture) openJobs(t *testing.T, queueName string) int {
	t.Helper()
	n, err := f.queues.CountOpen(context.Background(), queueName)
	require.NoError(t, err)
	return n
}

func TestPipelineCrawlsPageBrowserless(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head><title>Raw</title></head><body>content</body></html>"))
	}))
	defer srv.Close()

	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/article")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{
		BookmarkID:   b.ID,
		RunInference: true,
	})
	require.NoError(t, err)

	crawled, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusSuccess, crawled.CrawlStatus)
	assert.Equal(t, http.StatusOK, crawled.CrawlStatusCode)
	assert.Equal(t, "Extracted Title", crawled.Title)
	assert.Equal(t, "Extracted description", crawled.Description)
	require.NotNil(t, crawled.CrawledAt)
	// Small article stays inline, no content asset
	assert.Contains(t, crawled.HTMLContent, "Article body")
	assert.Empty(t, crawled.ContentAssetID)

	// Follow-up fan-out: tag + summarize, reindex, webhook, rule engine
	assert.Equal(t, 2, f.openJobs(t, models.QueueInference))
	assert.Equal(t, 1, f.openJobs(t, models.QueueSearchIndex))
	assert.Equal(t, 1, f.openJobs(t, models.QueueWebhook))
	assert.Equal(t, 1, f.openJobs(t, models.QueueRuleEngine))
	assert.Equal(t, 0, f.openJobs(t, models.QueueVideo))
}

func TestPipelineSkipsInferenceWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>content</body></html>"))
	}))
	defer srv.Close()

	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/article")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{
		BookmarkID:   b.ID,
		RunInference: false,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, f.openJobs(t, models.QueueInference))

	crawled, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	// Nothing will settle these, they must not stay pending
	assert.Nil(t, crawled.TaggingStatus)
	assert.Nil(t, crawled.SummarizationStatus)
}

func TestPipelineRetryableStatusFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/broken")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{BookmarkID: b.ID})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	// Retries remain, the bookmark does not flip to failure yet
	row, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusPending, row.CrawlStatus)
}

func TestPipelineLastAttemptMarksBookmarkFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/blocked")
	ctx := context.Background()

	// Attempt 3 of a max_retries=2 job: the final one
	err := f.pipeline.Handle(ctx, crawlJob(3), &models.CrawlPayload{BookmarkID: b.ID})
	require.Error(t, err)

	row, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusFailure, row.CrawlStatus)
	assert.Equal(t, http.StatusForbidden, row.CrawlStatusCode)
	assert.Nil(t, row.TaggingStatus, "pending inference cleared on terminal failure")
	assert.Nil(t, row.SummarizationStatus)
}

func TestPipelineBlockedURLFailsPermanently(t *testing.T) {
	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, "http://169.254.169.254/latest/meta-data")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{BookmarkID: b.ID})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	row, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusFailure, row.CrawlStatus)
}

func TestPipelineSkipsDeletedBookmark(t *testing.T) {
	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)

	err := f.pipeline.Handle(context.Background(), crawlJob(1), &models.CrawlPayload{BookmarkID: "bm_gone"})
	require.NoError(t, err)
}

func TestPipelineMorphedBookmarkEnqueuesPreprocessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 body"))
	}))
	defer srv.Close()

	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/direct.pdf")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{BookmarkID: b.ID})
	require.NoError(t, err)

	morphed, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkTypeAsset, morphed.Type)

	assert.Equal(t, 1, f.openJobs(t, models.QueueAssetPreprocessing))
	assert.Equal(t, 0, f.openJobs(t, models.QueueSearchIndex), "no fan-out after morph")
}

func TestCrawlSuccessFlipsTogetherWithCrawledAt(t *testing.T) {
	f := newPipelineFixture(t, defaultCrawlerConfig(), fakeParserScript)
	b := f.seedBookmark(t, "https://example.com/article")
	ctx := context.Background()

	meta := &parser.Metadata{Title: "Phase One"}
	require.NoError(t, f.pipeline.writeMetadata(ctx, b.ID, meta, http.StatusOK))

	// An interrupted crawl between the two writes must never be observable
	// as success without a crawl timestamp
	row, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Phase One", row.Title)
	assert.Equal(t, http.StatusOK, row.CrawlStatusCode)
	assert.Equal(t, models.CrawlStatusPending, row.CrawlStatus)
	assert.Nil(t, row.CrawledAt)

	artifacts := &storedArtifacts{byRole: make(map[models.AssetRole]string)}
	require.NoError(t, f.pipeline.finalizeCrawl(ctx, b, &models.CrawlPayload{RunInference: true}, artifacts))

	row, err = f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusSuccess, row.CrawlStatus)
	require.NotNil(t, row.CrawledAt)
}

func TestScreenshotStoredAsJPEGInBothModes(t *testing.T) {
	for _, fullPage := range []bool{false, true} {
		cfg := defaultCrawlerConfig()
		cfg.FullPageScreenshot = fullPage

		f := newPipelineFixture(t, cfg, fakeParserScript)
		b := f.seedBookmark(t, "https://example.com/shot")

		artifacts := f.pipeline.storeArtifacts(context.Background(), b,
			&CaptureResult{Screenshot: []byte("jpeg-bytes")}, &parser.Response{})
		id := artifacts.byRole[models.AssetRoleScreenshot]
		require.NotEmpty(t, id)

		_, row, err := f.blobs.ReadAll(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", row.ContentType)
		assert.Equal(t, "screenshot.jpg", row.FileName)
	}
}

func TestPipelineLargeContentStoredAsAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>big page</body></html>"))
	}))
	defer srv.Close()

	cfg := defaultCrawlerConfig()
	cfg.HTMLContentSizeThreshold = 8 // force the asset path

	f := newPipelineFixture(t, cfg, fakeParserScript)
	b := f.seedBookmark(t, srv.URL+"/long-read")
	ctx := context.Background()

	err := f.pipeline.Handle(ctx, crawlJob(1), &models.CrawlPayload{BookmarkID: b.ID})
	require.NoError(t, err)

	row, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, row.HTMLContent)
	require.NotEmpty(t, row.ContentAssetID)

	data, meta, err := f.blobs.ReadAll(ctx, row.ContentAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetRoleHTMLContent, meta.Role)
	assert.Contains(t, string(data), "Article body")
}
