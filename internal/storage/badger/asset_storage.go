package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ErrQuotaExceeded is returned when a reservation would cross the user's limit
var ErrQuotaExceeded = fmt.Errorf("storage quota exceeded")

// AssetStorage implements interfaces.AssetStorage on badgerhold
type AssetStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	quotaMu sync.Mutex
}

// NewAssetStorage creates a new AssetStorage instance
func NewAssetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AssetStorage {
	return &AssetStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AssetStorage) SaveAsset(ctx context.Context, a *models.Asset) error {
	if a.ID == "" {
		return fmt.Errorf("asset ID is required")
	}
	if err := s.db.Store().Upsert(a.ID, *a); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func (s *AssetStorage) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	var a models.Asset
	if err := s.db.Store().Get(id, &a); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("asset not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &a, nil
}

func (s *AssetStorage) DeleteAsset(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Asset{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return nil
}

func (s *AssetStorage) ListByBookmark(ctx context.Context, bookmarkID string) ([]*models.Asset, error) {
	var assets []models.Asset
	if err := s.db.Store().Find(&assets, badgerhold.Where("BookmarkID").Eq(bookmarkID)); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	result := make([]*models.Asset, len(assets))
	for i := range assets {
		result[i] = &assets[i]
	}
	return result, nil
}

func (s *AssetStorage) FindByRole(ctx context.Context, bookmarkID string, role models.AssetRole) (*models.Asset, error) {
	assets, err := s.ListByBookmark(ctx, bookmarkID)
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if a.Role == role {
			return a, nil
		}
	}
	return nil, nil
}

// ReserveQuota reserves bytes against the user's ledger. The mutex makes the
// check-and-reserve atomic; a limit of 0 means unlimited.
func (s *AssetStorage) ReserveQuota(ctx context.Context, userID string, bytes int64, limit int64) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	var rec models.QuotaRecord
	err := s.db.Store().Get(userID, &rec)
	if err == badgerhold.ErrNotFound {
		rec = models.QuotaRecord{UserID: userID}
	} else if err != nil {
		return fmt.Errorf("failed to get quota record: %w", err)
	}

	if limit > 0 && rec.ReservedBytes+bytes > limit {
		return fmt.Errorf("%w: user %s has %d of %d bytes reserved", ErrQuotaExceeded, userID, rec.ReservedBytes, limit)
	}

	rec.ReservedBytes += bytes
	if err := s.db.Store().Upsert(userID, rec); err != nil {
		return fmt.Errorf("failed to update quota record: %w", err)
	}
	return nil
}

func (s *AssetStorage) ReleaseQuota(ctx context.Context, userID string, bytes int64) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	var rec models.QuotaRecord
	err := s.db.Store().Get(userID, &rec)
	if err == badgerhold.ErrNotFound {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to get quota record: %w", err)
	}

	rec.ReservedBytes -= bytes
	if rec.ReservedBytes < 0 {
		rec.ReservedBytes = 0
	}
	if err := s.db.Store().Upsert(userID, rec); err != nil {
		return fmt.Errorf("failed to update quota record: %w", err)
	}
	return nil
}

func (s *AssetStorage) QuotaUsed(ctx context.Context, userID string) (int64, error) {
	var rec models.QuotaRecord
	err := s.db.Store().Get(userID, &rec)
	if err == badgerhold.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get quota record: %w", err)
	}
	return rec.ReservedBytes, nil
}
