package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ErrBookmarkNotFound is returned when a bookmark ID does not resolve
var ErrBookmarkNotFound = fmt.Errorf("bookmark not found")

// BookmarkStorage implements interfaces.BookmarkStorage on badgerhold
type BookmarkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	// writeMu serializes read-modify-write updates; badgerhold upserts are
	// individually atomic but UpdateBookmark needs the whole cycle atomic.
	writeMu sync.Mutex
}

// NewBookmarkStorage creates a new BookmarkStorage instance
func NewBookmarkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BookmarkStorage {
	return &BookmarkStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BookmarkStorage) SaveBookmark(ctx context.Context, b *models.Bookmark) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := s.db.Store().Upsert(b.ID, *b); err != nil {
		return fmt.Errorf("failed to save bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStorage) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	var b models.Bookmark
	if err := s.db.Store().Get(id, &b); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrBookmarkNotFound, id)
		}
		return nil, fmt.Errorf("failed to get bookmark: %w", err)
	}
	return &b, nil
}

func (s *BookmarkStorage) DeleteBookmark(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Bookmark{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	return nil
}

func (s *BookmarkStorage) FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error) {
	var bookmarks []models.Bookmark
	if err := s.db.Store().Find(&bookmarks, badgerhold.Where("URL").Eq(url)); err != nil {
		return nil, fmt.Errorf("failed to query bookmarks by URL: %w", err)
	}
	for i := range bookmarks {
		if bookmarks[i].UserID == userID && bookmarks[i].Type == models.BookmarkTypeLink {
			return &bookmarks[i], nil
		}
	}
	return nil, nil
}

func (s *BookmarkStorage) UpdateBookmark(ctx context.Context, id string, fn func(*models.Bookmark) error) (*models.Bookmark, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b, err := s.GetBookmark(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	b.ModifiedAt = time.Now()
	if err := s.db.Store().Upsert(b.ID, *b); err != nil {
		return nil, fmt.Errorf("failed to update bookmark: %w", err)
	}
	return b, nil
}
