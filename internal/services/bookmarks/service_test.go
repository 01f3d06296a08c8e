package bookmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

type serviceFixture struct {
	service   *Service
	bookmarks interfaces.BookmarkStorage
	assetRows interfaces.AssetStorage
	queues    *queue.Manager
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "bookmarks-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bookmarks := badgerstorage.NewBookmarkStorage(db, logger)
	assetRows := badgerstorage.NewAssetStorage(db, logger)

	manager := queue.NewManager(badgerstorage.NewQueueStorage(db, logger), logger, time.Second, time.Minute)
	for _, name := range []string{
		models.QueueCrawl,
		models.QueueInference,
		models.QueueSearchIndex,
		models.QueueAssetPreprocessing,
		models.QueueWebhook,
		models.QueueRuleEngine,
		models.QueueAssetCleanup,
	} {
		require.NoError(t, manager.Register(queue.Descriptor{
			Name:    name,
			Timeout: time.Minute,
		}))
	}

	return &serviceFixture{
		service:   NewService(bookmarks, assetRows, manager, logger),
		bookmarks: bookmarks,
		assetRows: assetRows,
		queues:    manager,
	}
}

func (f *serviceFixture) countOpen(t *testing.T, queueName string) int {
	t.Helper()
	n, err := f.queues.CountOpen(context.Background(), queueName)
	require.NoError(t, err)
	return n
}

func TestCreateLinkBookmarkEnqueuesCrawl(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "  https://example.com/article  ",
		Tags:   []string{"golang", "golang", ""},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/article", b.URL)
	assert.Equal(t, []string{"golang"}, b.Tags)
	assert.Equal(t, models.CrawlStatusPending, b.CrawlStatus)
	require.NotNil(t, b.TaggingStatus)
	assert.Equal(t, models.InferenceStatusPending, *b.TaggingStatus)

	assert.Equal(t, 1, f.countOpen(t, models.QueueCrawl))
	assert.Equal(t, 1, f.countOpen(t, models.QueueWebhook))
	// Links fan out search, inference, and rules after the crawl completes
	assert.Zero(t, f.countOpen(t, models.QueueSearchIndex))
	assert.Zero(t, f.countOpen(t, models.QueueInference))
}

func TestCreateDuplicateURLReturnsExisting(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	dup, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.ErrorIs(t, err, ErrDuplicateURL)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)

	// No second crawl job
	assert.Equal(t, 1, f.countOpen(t, models.QueueCrawl))
}

func TestCreateSameURLDifferentUserIsNotDuplicate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	_, err = f.service.Create(ctx, &CreateRequest{
		UserID: "user-2",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)
}

func TestCreateLowPriorityMapsToBulkImport(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, &CreateRequest{
		UserID:        "user-1",
		Type:          models.BookmarkTypeLink,
		URL:           "https://example.com",
		CrawlPriority: CrawlPriorityLow,
	})
	require.NoError(t, err)

	job, err := f.queues.Dequeue(ctx, models.QueueCrawl, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityBulkImport, job.Priority)
	assert.Equal(t, "user-1", job.GroupID)
}

func TestCreateTextBookmarkEnqueuesInferenceAndSearch(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeText,
		Text:   "remember to read this",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkTypeText, b.Type)

	assert.Zero(t, f.countOpen(t, models.QueueCrawl))
	assert.Equal(t, 1, f.countOpen(t, models.QueueInference))
	assert.Equal(t, 1, f.countOpen(t, models.QueueSearchIndex))
	assert.Equal(t, 1, f.countOpen(t, models.QueueRuleEngine))
	assert.Equal(t, 1, f.countOpen(t, models.QueueWebhook))
}

func TestCreateSkipInference(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID:        "user-1",
		Type:          models.BookmarkTypeText,
		Text:          "no tags for this one",
		SkipInference: true,
	})
	require.NoError(t, err)
	assert.Nil(t, b.TaggingStatus)
	assert.Zero(t, f.countOpen(t, models.QueueInference))
}

func TestCreateAssetBookmarkEnqueuesPreprocessing(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID:    "user-1",
		Type:      models.BookmarkTypeAsset,
		AssetID:   "as_1",
		AssetType: "application/pdf",
		FileName:  "paper.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkTypeAsset, b.Type)
	assert.Equal(t, 1, f.countOpen(t, models.QueueAssetPreprocessing))
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, &CreateRequest{
		Type: models.BookmarkTypeLink,
		URL:  "https://example.com",
	})
	require.Error(t, err, "missing user")

	_, err = f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
	})
	require.Error(t, err, "missing URL")

	_, err = f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeText,
	})
	require.Error(t, err, "missing text")
}

func TestUpdateFansOutEditedEvent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	updated, err := f.service.AddTags(ctx, b.ID, []string{"reading", "reading"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reading"}, updated.Tags)

	assert.Equal(t, 1, f.countOpen(t, models.QueueSearchIndex))
	// created + edited
	assert.Equal(t, 2, f.countOpen(t, models.QueueWebhook))
}

func TestDeleteFansOutAndQueuesAssetCleanup(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	require.NoError(t, f.assetRows.SaveAsset(ctx, &models.Asset{
		ID:         "as_shot",
		BookmarkID: b.ID,
		UserID:     "user-1",
		Role:       models.AssetRoleScreenshot,
	}))

	require.NoError(t, f.service.Delete(ctx, b.ID))

	_, err = f.bookmarks.GetBookmark(ctx, b.ID)
	require.ErrorIs(t, err, badgerstorage.ErrBookmarkNotFound)

	assert.Equal(t, 1, f.countOpen(t, models.QueueAssetCleanup))
	assert.Equal(t, 1, f.countOpen(t, models.QueueSearchIndex))
	// created + deleted
	assert.Equal(t, 2, f.countOpen(t, models.QueueWebhook))
}

func TestRetryCrawlResetsFailedBookmark(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	// Drain the original crawl job so the retry enqueue is visible
	job, err := f.queues.Dequeue(ctx, models.QueueCrawl, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.queues.Complete(ctx, job.ID))

	_, err = f.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
		row.CrawlStatus = models.CrawlStatusFailure
		row.CrawlStatusCode = 503
		row.TaggingStatus = nil
		row.SummarizationStatus = nil
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.service.RetryCrawl(ctx, b.ID))

	got, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStatusPending, got.CrawlStatus)
	assert.Zero(t, got.CrawlStatusCode)
	require.NotNil(t, got.TaggingStatus)
	assert.Equal(t, models.InferenceStatusPending, *got.TaggingStatus)

	assert.Equal(t, 1, f.countOpen(t, models.QueueCrawl))
}

func TestRetryCrawlRejectsNonFailedBookmark(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	b, err := f.service.Create(ctx, &CreateRequest{
		UserID: "user-1",
		Type:   models.BookmarkTypeLink,
		URL:    "https://example.com",
	})
	require.NoError(t, err)

	err = f.service.RetryCrawl(ctx, b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not failure")
}
