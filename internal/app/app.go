// -----------------------------------------------------------------------
// Application Wiring - Builds the storage, queue runtime, workers, and
// maintenance schedule from configuration
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/metrics"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	"github.com/ternarybob/stash/internal/services/assets"
	"github.com/ternarybob/stash/internal/services/bookmarks"
	"github.com/ternarybob/stash/internal/services/crawler"
	"github.com/ternarybob/stash/internal/services/imports"
	"github.com/ternarybob/stash/internal/services/llm"
	"github.com/ternarybob/stash/internal/services/parser"
	"github.com/ternarybob/stash/internal/services/rules"
	"github.com/ternarybob/stash/internal/services/search"
	"github.com/ternarybob/stash/internal/services/video"
	"github.com/ternarybob/stash/internal/services/webhooks"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// App owns every long-lived component of the process
type App struct {
	Config   *common.Config
	Logger   arbor.ILogger
	Storage  interfaces.StorageManager
	Queues   *queue.Manager
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	Bookmarks *bookmarks.Service
	Blobs     *assets.Store
	Browser   *crawler.Browser
	Imports   *imports.Controller

	batcher *search.Batcher
	runners []*queue.Runner
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// New wires the application. Nothing starts running until Start.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storage, err := badgerstorage.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &App{
		Config:   config,
		Logger:   logger,
		Storage:  storage,
		Registry: prometheus.NewRegistry(),
		cron:     cron.New(),
	}
	a.Metrics = metrics.New(a.Registry)

	if err := a.wire(); err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	config := a.Config
	logger := a.Logger

	blobs, err := assets.NewStore(&config.Storage, a.Storage.AssetStorage(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize asset store: %w", err)
	}
	a.Blobs = blobs

	a.Queues = queue.NewManager(a.Storage.QueueStorage(), logger,
		config.Queue.BackoffBaseDuration(), config.Queue.BackoffCapDuration())
	if err := a.registerQueues(); err != nil {
		return err
	}

	a.Bookmarks = bookmarks.NewService(a.Storage.BookmarkStorage(), a.Storage.AssetStorage(), a.Queues, logger)

	proxy := common.NewProxySelector(config.Proxy)
	httpClient := &http.Client{
		Timeout:   2 * time.Minute,
		Transport: &http.Transport{Proxy: proxy.ProxyFunc()},
	}

	browser, err := crawler.NewBrowser(&config.Crawler, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	a.Browser = browser

	bridge, err := parser.NewBridge(&config.Crawler, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize parser bridge: %w", err)
	}

	pipeline := crawler.NewPipeline(crawler.PipelineDeps{
		Config:    &config.Crawler,
		Queues:    a.Queues,
		Bookmarks: a.Storage.BookmarkStorage(),
		AssetRows: a.Storage.AssetStorage(),
		Blobs:     blobs,
		Browser:   browser,
		Prober:    crawler.NewProber(httpClient, blobs, a.Storage.BookmarkStorage(), &config.Crawler, logger),
		Policy:    crawler.NewURLPolicy(),
		Limiter:   crawler.NewRateLimiter(a.Storage.RateLimitStorage(), &config.Crawler.DomainRateLimiting, logger),
		Parser:    bridge,
		Archiver:  crawler.NewArchiver(proxy, logger),
		Client:    httpClient,
		Metrics:   a.Metrics,
		Logger:    logger,
	})

	inference := a.buildInference()

	searchHandler, err := a.buildSearch()
	if err != nil {
		return err
	}

	deliverer := webhooks.NewDeliverer(&config.Webhooks, httpClient, a.Storage.BookmarkStorage(), logger)

	ruleSet, err := rules.LoadRules(config.Rules.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	ruleHandler := rules.NewHandler(ruleSet, a.Storage.BookmarkStorage(), a.Queues, logger)

	extractor := video.NewExtractor(&config.Video, blobs, a.Storage.AssetStorage(),
		a.Storage.BookmarkStorage(), a.Queues, proxy, logger)
	if !extractor.Available() {
		logger.Warn().Str("binary", config.Video.YTDLPPath).Msg("yt-dlp not found, video extraction will be skipped")
	}

	preprocessor := assets.NewPreprocessor(blobs, a.Storage.AssetStorage(), logger)
	cleaner := assets.NewCleaner(blobs, logger)

	handlers := map[string]queue.Handler{
		models.QueueCrawl:              pipeline.Handle,
		models.QueueInference:          inference,
		models.QueueSearchIndex:        searchHandler,
		models.QueueAssetPreprocessing: preprocessor.Handle,
		models.QueueVideo:              extractor.Handle,
		models.QueueWebhook:            deliverer.Handle,
		models.QueueRuleEngine:         ruleHandler.Handle,
		models.QueueAssetCleanup:       cleaner.Handle,
	}
	for name, handler := range handlers {
		runner, err := queue.NewRunner(a.Queues, name, handler,
			config.Queue.PollIntervalDuration(), config.Queue.LeaseDurationDuration(), logger)
		if err != nil {
			return err
		}
		runner.AddObserver(metrics.NewWorkerObserver(a.Metrics, name))
		a.runners = append(a.runners, runner)
	}

	if config.Import.Enabled {
		a.Imports = imports.NewController(&config.Import, a.Storage.ImportStorage(),
			a.Storage.BookmarkStorage(), a.Bookmarks, a.Queues, a.Metrics, logger)
	}

	if err := a.Queues.ScheduleRecoverySweep(a.cron, config.Queue.RecoverySweepDuration()); err != nil {
		return err
	}
	if err := browser.ScheduleReaper(a.cron); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc("@every 10m", a.Storage.RunGC); err != nil {
		return err
	}
	return nil
}

// registerQueues declares every queue's payload schema, retry budget, and
// worker pool size
func (a *App) registerQueues() error {
	crawlTimeout := time.Duration(a.Config.Crawler.JobTimeoutSec) * time.Second
	videoTimeout := time.Duration(a.Config.Video.TimeoutSec)*time.Second + time.Minute

	descriptors := []queue.Descriptor{
		{
			Name:        models.QueueCrawl,
			NewPayload:  func() interface{} { return &models.CrawlPayload{} },
			MaxRetries:  3,
			Timeout:     crawlTimeout,
			Concurrency: a.Config.Crawler.NumWorkers,
			KeepFailed:  true,
		},
		{
			Name:        models.QueueInference,
			NewPayload:  func() interface{} { return &models.InferencePayload{} },
			MaxRetries:  5,
			Timeout:     5 * time.Minute,
			Concurrency: 2,
			KeepFailed:  true,
		},
		{
			Name:        models.QueueSearchIndex,
			NewPayload:  func() interface{} { return &models.SearchIndexPayload{} },
			MaxRetries:  5,
			Timeout:     time.Minute,
			Concurrency: 2,
		},
		{
			Name:        models.QueueAssetPreprocessing,
			NewPayload:  func() interface{} { return &models.AssetPreprocessingPayload{} },
			MaxRetries:  2,
			Timeout:     2 * time.Minute,
			Concurrency: 1,
		},
		{
			Name:        models.QueueVideo,
			NewPayload:  func() interface{} { return &models.VideoPayload{} },
			MaxRetries:  2,
			Timeout:     videoTimeout,
			Concurrency: 1,
			KeepFailed:  true,
		},
		{
			Name:        models.QueueWebhook,
			NewPayload:  func() interface{} { return &models.WebhookPayload{} },
			MaxRetries:  5,
			Timeout:     time.Minute,
			Concurrency: 2,
		},
		{
			Name:        models.QueueRuleEngine,
			NewPayload:  func() interface{} { return &models.RuleEnginePayload{} },
			MaxRetries:  3,
			Timeout:     time.Minute,
			Concurrency: 1,
		},
		{
			Name:        models.QueueAssetCleanup,
			NewPayload:  func() interface{} { return &models.AssetCleanupPayload{} },
			MaxRetries:  3,
			Timeout:     time.Minute,
			Concurrency: 1,
		},
	}

	for _, d := range descriptors {
		if err := a.Queues.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// buildInference returns the inference queue handler. Without an API key the
// handler settles statuses to failure so nothing downstream waits forever.
func (a *App) buildInference() queue.Handler {
	if a.Config.Claude.APIKey == "" {
		a.Logger.Warn().Msg("No Anthropic API key configured, tagging and summarization disabled")
		return a.disabledInferenceHandler()
	}

	client, err := llm.NewClient(&a.Config.Claude, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Claude client unavailable, tagging and summarization disabled")
		return a.disabledInferenceHandler()
	}
	return llm.NewInference(client, a.Storage.BookmarkStorage(), a.Blobs, a.Queues, a.Logger).Handle
}

func (a *App) disabledInferenceHandler() queue.Handler {
	return func(ctx context.Context, job *models.Job, payload interface{}) error {
		pl, ok := payload.(*models.InferencePayload)
		if !ok {
			return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
		}
		failure := models.InferenceStatusFailure
		_, err := a.Storage.BookmarkStorage().UpdateBookmark(ctx, pl.BookmarkID, func(row *models.Bookmark) error {
			switch pl.Type {
			case models.InferenceTag:
				row.TaggingStatus = &failure
			case models.InferenceSummarize:
				row.SummarizationStatus = &failure
			}
			return nil
		})
		if err != nil && !errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			return err
		}
		return nil
	}
}

// buildSearch assembles the index handler. Without an engine URL the handler
// completes index jobs as no-ops.
func (a *App) buildSearch() (queue.Handler, error) {
	enabled := a.Config.Search.Enabled && a.Config.Search.URL != ""
	if a.Config.Search.Enabled && a.Config.Search.URL == "" {
		a.Logger.Warn().Msg("Search enabled but no engine URL configured, indexing disabled")
	}

	var engine search.Engine
	if enabled {
		httpEngine, err := search.NewHTTPEngine(a.Config.Search.URL, a.Config.Search.APIKey, nil, a.Logger)
		if err != nil {
			return nil, err
		}
		engine = httpEngine
	}

	batcher, err := search.NewBatcher(engine, &a.Config.Search, a.Logger)
	if err != nil {
		return nil, err
	}
	a.batcher = batcher

	handler := search.NewHandler(batcher, a.Storage.BookmarkStorage(), a.Blobs, enabled, a.Logger)
	return handler.Handle, nil
}

// Start launches the browser, worker pools, maintenance schedule, and the
// import controller
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Browser.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	recovered, err := a.Queues.RecoverExpiredLeases(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Startup lease recovery failed")
	} else if recovered > 0 {
		a.Logger.Info().Int("count", recovered).Msg("Recovered expired job leases on startup")
	}

	for _, runner := range a.runners {
		runner.Start(ctx)
	}
	a.cron.Start()

	if a.Imports != nil {
		a.Imports.Start(ctx)
	}

	a.Logger.Info().
		Int("queues", len(a.runners)).
		Bool("imports", a.Imports != nil).
		Str("browser_mode", string(a.Browser.Mode())).
		Msg("Application started")
	return nil
}

// Close drains the workers and releases every resource, reverse of Start
func (a *App) Close() {
	if a.Imports != nil {
		a.Imports.Stop()
	}

	<-a.cron.Stop().Done()

	for _, runner := range a.runners {
		runner.Stop()
	}
	if a.batcher != nil {
		a.batcher.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Browser.Shutdown()

	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
	a.Logger.Info().Msg("Application stopped")
}
