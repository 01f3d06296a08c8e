// -----------------------------------------------------------------------
// Import Controller - Long-lived poller that drains staged bulk imports
// through the shared bookmark-create path without starving user crawls
// -----------------------------------------------------------------------

package imports

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/metrics"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	"github.com/ternarybob/stash/internal/services/bookmarks"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// Controller runs the staged-import control loop. One instance per process.
type Controller struct {
	store     interfaces.ImportStorage
	bookmarks interfaces.BookmarkStorage
	service   *bookmarks.Service
	queues    *queue.Manager
	metrics   *metrics.Metrics
	logger    arbor.ILogger

	pollInterval    time.Duration
	batchSize       int
	maxInFlight     int
	staleThreshold  time.Duration
	staleSweepEvery int

	iteration int
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewController creates the import controller from config
func NewController(config *common.ImportConfig, store interfaces.ImportStorage, bookmarkStore interfaces.BookmarkStorage, service *bookmarks.Service, queues *queue.Manager, m *metrics.Metrics, logger arbor.ILogger) *Controller {
	pollInterval := time.Duration(config.PollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	maxInFlight := config.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 50
	}
	staleThreshold := time.Duration(config.StaleThresholdMin) * time.Minute
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	staleSweepEvery := config.StaleSweepInterval
	if staleSweepEvery <= 0 {
		staleSweepEvery = 60
	}

	return &Controller{
		store:           store,
		bookmarks:       bookmarkStore,
		service:         service,
		queues:          queues,
		metrics:         m,
		logger:          logger,
		pollInterval:    pollInterval,
		batchSize:       batchSize,
		maxInFlight:     maxInFlight,
		staleThreshold:  staleThreshold,
		staleSweepEvery: staleSweepEvery,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the control loop
func (c *Controller) Start(ctx context.Context) {
	c.started = true
	common.SafeGo(c.logger, "import-controller", func() {
		defer close(c.done)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		c.logger.Info().
			Str("poll_interval", c.pollInterval.String()).
			Int("batch_size", c.batchSize).
			Int("max_in_flight", c.maxInFlight).
			Msg("Import controller started")

		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Tick(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("Import controller iteration failed")
				}
			}
		}
	})
}

// Stop halts the loop and waits for the current iteration to finish
func (c *Controller) Stop() {
	if !c.started {
		return
	}
	close(c.stop)
	<-c.done
	c.logger.Info().Msg("Import controller stopped")
}

// Tick runs one control-loop iteration
func (c *Controller) Tick(ctx context.Context) error {
	c.iteration++

	if c.iteration%c.staleSweepEvery == 0 {
		c.resetStaleItems(ctx)
	}

	sessions, err := c.store.ListSessionsByStatus(ctx,
		models.ImportSessionPending, models.ImportSessionRunning, models.ImportSessionPaused)
	if err != nil {
		return err
	}

	c.settleProcessing(ctx, sessions)
	c.completeDrainedSessions(ctx, sessions)

	inFlight, err := c.inFlight(ctx)
	if err != nil {
		return err
	}
	c.emitGauges(ctx, inFlight, sessions)

	if inFlight >= c.maxInFlight {
		return nil
	}

	capacity := c.maxInFlight - inFlight
	limit := c.batchSize
	if capacity < limit {
		limit = capacity
	}

	var claimable []*models.ImportSession
	for _, s := range sessions {
		if s.Status == models.ImportSessionPending || s.Status == models.ImportSessionRunning {
			claimable = append(claimable, s)
		}
	}
	if len(claimable) == 0 {
		return nil
	}

	candidates, err := c.store.SelectPendingCandidates(ctx, claimable, limit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, 0, len(candidates))
	for _, item := range candidates {
		ids = append(ids, item.ID)
	}
	claimed, err := c.store.ClaimItems(ctx, ids, time.Now())
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	c.processBatch(ctx, claimed, sessions)
	return nil
}

// resetStaleItems returns long-running processing items to pending. Items
// that already produced a bookmark are waiting on downstream crawl and tag
// stages, not stuck.
func (c *Controller) resetStaleItems(ctx context.Context) {
	items, err := c.store.ListProcessing(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Stale sweep listing failed")
		return
	}

	cutoff := time.Now().Add(-c.staleThreshold)
	reset := 0
	for _, item := range items {
		if item.ResultBookmarkID != "" {
			continue
		}
		if item.ProcessingStartedAt == nil || item.ProcessingStartedAt.After(cutoff) {
			continue
		}
		item.Status = models.ImportItemPending
		item.ProcessingStartedAt = nil
		if err := c.store.SaveItem(ctx, item); err != nil {
			c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Stale item reset failed")
			continue
		}
		reset++
	}

	if reset > 0 {
		c.metrics.RecordStaleResets(reset)
		c.logger.Info().Int("count", reset).Msg("Stale import items reset to pending")
	}
}

// settleProcessing flips items whose bookmark finished its downstream
// stages. A crawl or tagging failure fails the item; everything else
// terminal completes it.
func (c *Controller) settleProcessing(ctx context.Context, sessions []*models.ImportSession) {
	items, err := c.store.ListProcessing(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Settle scan listing failed")
		return
	}

	byID := sessionsByID(sessions)
	for _, item := range items {
		if item.ResultBookmarkID == "" {
			continue
		}

		b, err := c.bookmarks.GetBookmark(ctx, item.ResultBookmarkID)
		if err != nil {
			if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
				c.settleItem(ctx, item, models.ImportItemCompleted, item.Result, "bookmark deleted before import settled")
			}
			continue
		}

		crawlTerminal := b.CrawlStatus == models.CrawlStatusSuccess ||
			b.CrawlStatus == models.CrawlStatusFailure ||
			b.CrawlStatus == ""
		if !crawlTerminal || !models.InferenceTerminal(b.TaggingStatus) {
			continue
		}

		failed := b.CrawlStatus == models.CrawlStatusFailure ||
			(b.TaggingStatus != nil && *b.TaggingStatus == models.InferenceStatusFailure)
		if failed {
			c.settleItem(ctx, item, models.ImportItemFailed, item.Result, "downstream crawl or tagging failed")
		} else {
			c.settleItem(ctx, item, models.ImportItemCompleted, item.Result, "")
		}

		if s, ok := byID[item.SessionID]; ok {
			c.touchSession(ctx, s)
		}
	}
}

func (c *Controller) settleItem(ctx context.Context, item *models.ImportStagingItem, status models.ImportItemStatus, result models.ImportItemResult, reason string) {
	now := time.Now()
	item.Status = status
	item.CompletedAt = &now
	item.Result = result
	if reason != "" {
		item.ResultReason = reason
	}
	if err := c.store.SaveItem(ctx, item); err != nil {
		c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to settle import item")
		return
	}
	if status == models.ImportItemFailed && result == models.ImportResultAccepted {
		c.metrics.RecordImportResult("failed_downstream")
	}
}

// completeDrainedSessions completes sessions whose staging pool is empty
func (c *Controller) completeDrainedSessions(ctx context.Context, sessions []*models.ImportSession) {
	for _, s := range sessions {
		if s.Status != models.ImportSessionPending && s.Status != models.ImportSessionRunning {
			continue
		}
		pending, err := c.store.CountItemsByStatus(ctx, s.ID, models.ImportItemPending)
		if err != nil {
			continue
		}
		processing, err := c.store.CountItemsByStatus(ctx, s.ID, models.ImportItemProcessing)
		if err != nil {
			continue
		}
		if pending == 0 && processing == 0 {
			s.Status = models.ImportSessionCompleted
			if err := c.store.SaveSession(ctx, s); err != nil {
				c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to complete session")
				continue
			}
			c.logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("Import session completed")
		}
	}
}

// inFlight is the backpressure measure: the deepest of the crawl queue, the
// inference queue, and the processing staging pool
func (c *Controller) inFlight(ctx context.Context) (int, error) {
	crawlDepth, err := c.queues.CountOpen(ctx, models.QueueCrawl)
	if err != nil {
		return 0, err
	}
	inferenceDepth, err := c.queues.CountOpen(ctx, models.QueueInference)
	if err != nil {
		return 0, err
	}
	processing, err := c.store.CountProcessing(ctx)
	if err != nil {
		return 0, err
	}

	inFlight := crawlDepth
	if inferenceDepth > inFlight {
		inFlight = inferenceDepth
	}
	if processing > inFlight {
		inFlight = processing
	}
	return inFlight, nil
}

// processBatch runs the claimed items through the shared create path in
// parallel. Items claimed from a paused session go straight back to pending.
func (c *Controller) processBatch(ctx context.Context, claimed []*models.ImportStagingItem, sessions []*models.ImportSession) {
	start := time.Now()
	byID := sessionsByID(sessions)

	var wg sync.WaitGroup
	for _, item := range claimed {
		session, ok := byID[item.SessionID]
		if !ok {
			c.failItem(ctx, item, "session not found")
			continue
		}
		if session.Status == models.ImportSessionPaused {
			c.returnToPending(ctx, item)
			continue
		}

		wg.Add(1)
		item := item
		common.SafeGo(c.logger, "import-item-"+item.ID, func() {
			defer wg.Done()
			c.processItem(ctx, item, session)
		})
	}
	wg.Wait()

	// Mark claim-active sessions running and rotate fairness
	seen := make(map[string]bool)
	for _, item := range claimed {
		if seen[item.SessionID] {
			continue
		}
		seen[item.SessionID] = true
		if s, ok := byID[item.SessionID]; ok && s.Status != models.ImportSessionPaused {
			if s.Status == models.ImportSessionPending {
				s.Status = models.ImportSessionRunning
			}
			c.touchSession(ctx, s)
		}
	}

	c.metrics.RecordImportBatch(time.Since(start).Seconds())
}

// processItem pushes one staged item through the bookmark-create path
func (c *Controller) processItem(ctx context.Context, item *models.ImportStagingItem, session *models.ImportSession) {
	req := &bookmarks.CreateRequest{
		UserID:        session.UserID,
		Type:          item.Type,
		URL:           item.URL,
		Text:          item.Content,
		Title:         item.Title,
		Tags:          item.Tags,
		ListIDs:       item.ListIDs,
		CrawlPriority: bookmarks.CrawlPriorityLow,
	}
	if req.Type == "" {
		req.Type = models.BookmarkTypeLink
	}
	if session.RootListID != "" {
		req.ListIDs = append(append([]string{}, req.ListIDs...), session.RootListID)
	}

	b, err := c.service.Create(ctx, req)
	switch {
	case errors.Is(err, bookmarks.ErrDuplicateURL):
		now := time.Now()
		item.Status = models.ImportItemCompleted
		item.CompletedAt = &now
		item.Result = models.ImportResultSkippedDuplicate
		item.ResultBookmarkID = b.ID
		c.metrics.RecordImportResult(string(models.ImportResultSkippedDuplicate))

	case err != nil:
		c.failItem(ctx, item, err.Error())
		return

	default:
		item.Result = models.ImportResultAccepted
		item.ResultBookmarkID = b.ID
		c.metrics.RecordImportResult(string(models.ImportResultAccepted))
	}

	if err := c.store.SaveItem(ctx, item); err != nil {
		c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to save processed import item")
	}
}

func (c *Controller) failItem(ctx context.Context, item *models.ImportStagingItem, reason string) {
	now := time.Now()
	item.Status = models.ImportItemFailed
	item.CompletedAt = &now
	item.Result = models.ImportResultRejected
	item.ResultReason = reason
	if err := c.store.SaveItem(ctx, item); err != nil {
		c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to reject import item")
		return
	}
	c.metrics.RecordImportResult(string(models.ImportResultRejected))
}

func (c *Controller) returnToPending(ctx context.Context, item *models.ImportStagingItem) {
	item.Status = models.ImportItemPending
	item.ProcessingStartedAt = nil
	if err := c.store.SaveItem(ctx, item); err != nil {
		c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to return paused item to pending")
	}
}

func (c *Controller) touchSession(ctx context.Context, s *models.ImportSession) {
	s.LastProcessedAt = time.Now()
	if err := c.store.SaveSession(ctx, s); err != nil {
		c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to update session")
	}
}

func (c *Controller) emitGauges(ctx context.Context, inFlight int, sessions []*models.ImportSession) {
	pendingTotal := 0
	byStatus := make(map[string]int)
	for _, s := range sessions {
		byStatus[string(s.Status)]++
		if n, err := c.store.CountItemsByStatus(ctx, s.ID, models.ImportItemPending); err == nil {
			pendingTotal += n
		}
	}
	c.metrics.SetImportGauges(inFlight, pendingTotal, byStatus)
}

func sessionsByID(sessions []*models.ImportSession) map[string]*models.ImportSession {
	m := make(map[string]*models.ImportSession, len(sessions))
	for _, s := range sessions {
		m[s.ID] = s
	}
	return m
}
