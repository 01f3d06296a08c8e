// -----------------------------------------------------------------------
// Search Index Handler - Turns search_index queue jobs into batched engine
// operations
// -----------------------------------------------------------------------

package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// ContentReader resolves a content asset into bytes for indexing
type ContentReader interface {
	ReadAll(ctx context.Context, assetID string) ([]byte, *models.Asset, error)
}

// Handler serves the search_index queue. When search is disabled the
// handler completes every job without touching the batcher.
type Handler struct {
	batcher   *Batcher
	bookmarks interfaces.BookmarkStorage
	blobs     ContentReader
	logger    arbor.ILogger
	enabled   bool
}

// NewHandler creates the index handler
func NewHandler(batcher *Batcher, bookmarks interfaces.BookmarkStorage, blobs ContentReader, enabled bool, logger arbor.ILogger) *Handler {
	return &Handler{
		batcher:   batcher,
		bookmarks: bookmarks,
		blobs:     blobs,
		logger:    logger,
		enabled:   enabled,
	}
}

// Handle processes one index job
func (h *Handler) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.SearchIndexPayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}
	if !h.enabled {
		return nil
	}

	switch pl.Type {
	case models.SearchIndexDelete:
		return h.batcher.Submit(ctx, Op{Type: OpDelete, ID: pl.BookmarkID})

	case models.SearchIndexUpsert:
		b, err := h.bookmarks.GetBookmark(ctx, pl.BookmarkID)
		if err != nil {
			if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
				// Deleted since enqueue; make sure the index agrees
				return h.batcher.Submit(ctx, Op{Type: OpDelete, ID: pl.BookmarkID})
			}
			return err
		}
		return h.batcher.Submit(ctx, Op{Type: OpUpsert, Doc: h.document(ctx, b)})

	default:
		return queue.Permanent(fmt.Errorf("unknown index op %q", pl.Type))
	}
}

func (h *Handler) document(ctx context.Context, b *models.Bookmark) Document {
	doc := Document{
		ID:          b.ID,
		UserID:      b.UserID,
		URL:         b.URL,
		Title:       b.Title,
		Description: b.Description,
		Summary:     b.Summary,
		Tags:        b.Tags,
	}

	switch {
	case b.HTMLContent != "":
		doc.Content = b.HTMLContent
	case b.Text != "":
		doc.Content = b.Text
	case b.ContentAssetID != "":
		data, _, err := h.blobs.ReadAll(ctx, b.ContentAssetID)
		if err != nil {
			h.logger.Warn().Err(err).
				Str("bookmark_id", b.ID).
				Msg("Content asset unreadable, indexing metadata only")
		} else {
			doc.Content = string(data)
		}
	}
	return doc
}
