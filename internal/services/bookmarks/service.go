// -----------------------------------------------------------------------
// Bookmark Service - Shared business layer for bookmark lifecycle: create
// with URL dedup, edit, delete, and failed-crawl retry
// -----------------------------------------------------------------------

package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
)

// ErrDuplicateURL is returned by Create when the user already has a link
// bookmark for the URL. The existing bookmark accompanies the error.
var ErrDuplicateURL = errors.New("bookmark with this URL already exists")

// CrawlPriority selects the crawl queue priority for a new link bookmark
type CrawlPriority string

const (
	CrawlPriorityNormal CrawlPriority = "normal"
	CrawlPriorityLow    CrawlPriority = "low"
)

// CreateRequest describes a bookmark to create. Type selects which content
// fields are read.
type CreateRequest struct {
	UserID string
	Type   models.BookmarkType

	// Link
	URL string

	// Text
	Text      string
	SourceURL string

	// Asset (the asset row must already be stored)
	AssetID   string
	AssetType string
	FileName  string

	Title   string
	Tags    []string
	ListIDs []string

	CrawlPriority   CrawlPriority
	ArchiveFullPage bool
	StorePDF        bool
	// SkipInference suppresses the tag and summarize stages
	SkipInference bool
}

// Service owns bookmark lifecycle. Every mutation fans out the matching
// webhook and follow-up jobs so callers never enqueue directly.
type Service struct {
	bookmarks interfaces.BookmarkStorage
	assetRows interfaces.AssetStorage
	queues    *queue.Manager
	logger    arbor.ILogger
}

// NewService creates the bookmark business layer
func NewService(bookmarks interfaces.BookmarkStorage, assetRows interfaces.AssetStorage, queues *queue.Manager, logger arbor.ILogger) *Service {
	return &Service{
		bookmarks: bookmarks,
		assetRows: assetRows,
		queues:    queues,
		logger:    logger,
	}
}

// Create stores a new bookmark and enqueues its processing jobs. A link URL
// the user already bookmarked returns the existing row with ErrDuplicateURL.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.Bookmark, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	b, err := s.buildBookmark(req)
	if err != nil {
		return nil, err
	}

	if b.Type == models.BookmarkTypeLink {
		existing, err := s.bookmarks.FindByURL(ctx, req.UserID, b.URL)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, ErrDuplicateURL
		}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := s.bookmarks.SaveBookmark(ctx, b); err != nil {
		return nil, err
	}

	s.fanOutCreated(ctx, b, req)

	s.logger.Info().
		Str("bookmark_id", b.ID).
		Str("user_id", b.UserID).
		Str("type", string(b.Type)).
		Msg("Bookmark created")
	return b, nil
}

func (s *Service) buildBookmark(req *CreateRequest) (*models.Bookmark, error) {
	id := common.NewBookmarkID()

	var b *models.Bookmark
	switch req.Type {
	case models.BookmarkTypeLink:
		url := strings.TrimSpace(req.URL)
		if url == "" {
			return nil, fmt.Errorf("link bookmark requires a URL")
		}
		b = models.NewLinkBookmark(id, req.UserID, url)

	case models.BookmarkTypeText:
		b = models.NewTextBookmark(id, req.UserID, req.Text, req.SourceURL)

	case models.BookmarkTypeAsset:
		now := time.Now()
		pending := models.InferenceStatusPending
		b = &models.Bookmark{
			ID:            id,
			UserID:        req.UserID,
			Type:          models.BookmarkTypeAsset,
			AssetID:       req.AssetID,
			AssetType:     req.AssetType,
			FileName:      req.FileName,
			CreatedAt:     now,
			ModifiedAt:    now,
			TaggingStatus: &pending,
		}

	default:
		return nil, fmt.Errorf("unknown bookmark type %q", req.Type)
	}

	b.Title = req.Title
	b.Tags = dedupeStrings(req.Tags)
	b.ListIDs = dedupeStrings(req.ListIDs)

	if req.SkipInference {
		b.TaggingStatus = nil
		b.SummarizationStatus = nil
	}
	return b, nil
}

// fanOutCreated enqueues the follow-up jobs for a fresh bookmark. Links go
// through the crawl pipeline, which handles its own downstream fan-out;
// text and asset bookmarks get their stages enqueued here.
func (s *Service) fanOutCreated(ctx context.Context, b *models.Bookmark, req *CreateRequest) {
	opts := queue.EnqueueOptions{
		Priority: crawlPriorityValue(req.CrawlPriority),
		GroupID:  b.UserID,
	}

	switch b.Type {
	case models.BookmarkTypeLink:
		crawlOpts := opts
		crawlOpts.IdempotencyKey = b.ID
		s.enqueue(ctx, models.QueueCrawl, &models.CrawlPayload{
			BookmarkID:      b.ID,
			ArchiveFullPage: req.ArchiveFullPage,
			StorePDF:        req.StorePDF,
			RunInference:    !req.SkipInference,
		}, crawlOpts)

	case models.BookmarkTypeText:
		if !req.SkipInference {
			s.enqueue(ctx, models.QueueInference,
				&models.InferencePayload{BookmarkID: b.ID, Type: models.InferenceTag}, opts)
		}
		s.enqueue(ctx, models.QueueSearchIndex,
			&models.SearchIndexPayload{BookmarkID: b.ID, Type: models.SearchIndexUpsert}, opts)
		s.enqueueRuleEvent(ctx, b, "bookmarkAdded", opts)

	case models.BookmarkTypeAsset:
		s.enqueue(ctx, models.QueueAssetPreprocessing,
			&models.AssetPreprocessingPayload{BookmarkID: b.ID}, opts)
		s.enqueue(ctx, models.QueueSearchIndex,
			&models.SearchIndexPayload{BookmarkID: b.ID, Type: models.SearchIndexUpsert}, opts)
		s.enqueueRuleEvent(ctx, b, "bookmarkAdded", opts)
	}

	s.enqueue(ctx, models.QueueWebhook, &models.WebhookPayload{
		BookmarkID: b.ID,
		Event:      models.WebhookEventCreated,
		UserID:     b.UserID,
	}, opts)
}

// Update applies the mutation and fans out the edited event plus a search
// reindex
func (s *Service) Update(ctx context.Context, id string, mutate func(*models.Bookmark) error) (*models.Bookmark, error) {
	updated, err := s.bookmarks.UpdateBookmark(ctx, id, func(row *models.Bookmark) error {
		if err := mutate(row); err != nil {
			return err
		}
		row.ModifiedAt = time.Now()
		return row.Validate()
	})
	if err != nil {
		return nil, err
	}

	opts := queue.EnqueueOptions{GroupID: updated.UserID}
	s.enqueue(ctx, models.QueueSearchIndex,
		&models.SearchIndexPayload{BookmarkID: id, Type: models.SearchIndexUpsert}, opts)
	s.enqueue(ctx, models.QueueWebhook, &models.WebhookPayload{
		BookmarkID: id,
		Event:      models.WebhookEventEdited,
		UserID:     updated.UserID,
	}, opts)
	return updated, nil
}

// AddTags attaches tags to the bookmark, ignoring ones it already has
func (s *Service) AddTags(ctx context.Context, id string, tags []string) (*models.Bookmark, error) {
	return s.Update(ctx, id, func(row *models.Bookmark) error {
		row.Tags = dedupeStrings(append(row.Tags, tags...))
		return nil
	})
}

// AddToLists attaches the bookmark to lists it is not already on
func (s *Service) AddToLists(ctx context.Context, id string, listIDs []string) (*models.Bookmark, error) {
	return s.Update(ctx, id, func(row *models.Bookmark) error {
		row.ListIDs = dedupeStrings(append(row.ListIDs, listIDs...))
		return nil
	})
}

// Delete removes the bookmark, queues its blobs for cleanup, and fans out
// the deletion to search and webhooks
func (s *Service) Delete(ctx context.Context, id string) error {
	b, err := s.bookmarks.GetBookmark(ctx, id)
	if err != nil {
		return err
	}

	assetRows, err := s.assetRows.ListByBookmark(ctx, id)
	if err != nil {
		return err
	}

	if err := s.bookmarks.DeleteBookmark(ctx, id); err != nil {
		return err
	}

	var assetIDs []string
	for _, a := range assetRows {
		assetIDs = append(assetIDs, a.ID)
	}
	if b.AssetID != "" {
		assetIDs = append(assetIDs, b.AssetID)
	}
	if len(assetIDs) > 0 {
		s.enqueue(ctx, models.QueueAssetCleanup,
			&models.AssetCleanupPayload{AssetIDs: dedupeStrings(assetIDs)}, queue.EnqueueOptions{})
	}

	opts := queue.EnqueueOptions{GroupID: b.UserID}
	s.enqueue(ctx, models.QueueSearchIndex,
		&models.SearchIndexPayload{BookmarkID: id, Type: models.SearchIndexDelete}, opts)
	s.enqueue(ctx, models.QueueWebhook, &models.WebhookPayload{
		BookmarkID: id,
		Event:      models.WebhookEventDeleted,
		UserID:     b.UserID,
	}, opts)

	s.logger.Info().
		Str("bookmark_id", id).
		Str("user_id", b.UserID).
		Int("assets", len(assetIDs)).
		Msg("Bookmark deleted")
	return nil
}

// RetryCrawl resets a failed crawl to pending and re-enqueues it at
// user-initiated priority
func (s *Service) RetryCrawl(ctx context.Context, id string) error {
	updated, err := s.bookmarks.UpdateBookmark(ctx, id, func(row *models.Bookmark) error {
		if row.Type != models.BookmarkTypeLink {
			return fmt.Errorf("bookmark %s is not a link", id)
		}
		if row.CrawlStatus != models.CrawlStatusFailure {
			return fmt.Errorf("bookmark %s crawl status is %q, not failure", id, row.CrawlStatus)
		}
		pending := models.InferenceStatusPending
		row.CrawlStatus = models.CrawlStatusPending
		row.CrawlStatusCode = 0
		row.TaggingStatus = &pending
		row.SummarizationStatus = &pending
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.queues.Enqueue(ctx, models.QueueCrawl, &models.CrawlPayload{
		BookmarkID:   id,
		RunInference: true,
	}, queue.EnqueueOptions{
		Priority:       models.PriorityUserInitiated,
		GroupID:        updated.UserID,
		IdempotencyKey: id,
	})
	return err
}

func (s *Service) enqueueRuleEvent(ctx context.Context, b *models.Bookmark, eventType string, opts queue.EnqueueOptions) {
	s.enqueue(ctx, models.QueueRuleEngine, &models.RuleEnginePayload{
		BookmarkID: b.ID,
		Events:     []models.RuleEngineEvent{{Type: eventType}},
	}, opts)
}

func (s *Service) enqueue(ctx context.Context, queueName string, payload interface{}, opts queue.EnqueueOptions) {
	if _, err := s.queues.Enqueue(ctx, queueName, payload, opts); err != nil {
		s.logger.Error().Err(err).Str("queue", queueName).Msg("Follow-up enqueue failed")
	}
}

func crawlPriorityValue(p CrawlPriority) int {
	if p == CrawlPriorityLow {
		return models.PriorityBulkImport
	}
	return models.PriorityUserInitiated
}

func dedupeStrings(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
