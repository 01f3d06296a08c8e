// -----------------------------------------------------------------------
// Blob Store - Filesystem-backed asset bytes with a per-user quota ledger
// -----------------------------------------------------------------------

package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
)

// ErrAssetTooLarge is returned when a blob exceeds the configured size cap
var ErrAssetTooLarge = fmt.Errorf("asset exceeds maximum size")

// Store persists asset bytes on the filesystem with metadata rows and a
// per-user quota ledger in badger. A failed write rolls the reservation back
// so the ledger never counts bytes that were not stored.
type Store struct {
	root         string
	assets       interfaces.AssetStorage
	logger       arbor.ILogger
	maxAssetSize int64 // bytes, 0 = unlimited
	userQuota    int64 // bytes, 0 = unlimited
}

// NewStore creates a blob store rooted at the configured assets directory
func NewStore(config *common.StorageConfig, assetStorage interfaces.AssetStorage, logger arbor.ILogger) (*Store, error) {
	root := config.Filesystem.Assets
	if root == "" {
		return nil, fmt.Errorf("storage.filesystem.assets is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset root: %w", err)
	}
	return &Store{
		root:         root,
		assets:       assetStorage,
		logger:       logger,
		maxAssetSize: int64(config.MaxAssetSizeMB) * 1024 * 1024,
		userQuota:    int64(config.UserQuotaMB) * 1024 * 1024,
	}, nil
}

// MaxAssetSize returns the per-asset byte cap (0 = unlimited)
func (s *Store) MaxAssetSize() int64 {
	return s.maxAssetSize
}

// Save streams the blob to disk, reserves quota for the observed size, and
// persists the metadata row. Any failure removes the blob and releases the
// reservation.
func (s *Store) Save(ctx context.Context, asset *models.Asset, r io.Reader) error {
	if asset.ID == "" || asset.UserID == "" {
		return fmt.Errorf("asset requires id and user_id")
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}

	path := s.blobPath(asset.UserID, asset.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}

	tmp := path + ".tmp"
	size, err := s.writeCapped(tmp, r)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	asset.SizeBytes = size

	if err := s.assets.ReserveQuota(ctx, asset.UserID, size, s.userQuota); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		s.rollbackQuota(ctx, asset.UserID, size)
		return fmt.Errorf("failed to place asset blob: %w", err)
	}

	if err := s.assets.SaveAsset(ctx, asset); err != nil {
		os.Remove(path)
		s.rollbackQuota(ctx, asset.UserID, size)
		return err
	}

	s.logger.Debug().
		Str("asset_id", asset.ID).
		Str("role", string(asset.Role)).
		Int64("size_bytes", size).
		Msg("Asset stored")

	return nil
}

// SaveBytes stores an in-memory blob
func (s *Store) SaveBytes(ctx context.Context, asset *models.Asset, data []byte) error {
	if s.maxAssetSize > 0 && int64(len(data)) > s.maxAssetSize {
		return fmt.Errorf("%w: %d bytes", ErrAssetTooLarge, len(data))
	}
	return s.Save(ctx, asset, bytes.NewReader(data))
}

// Open returns the blob reader and metadata for an asset
func (s *Store) Open(ctx context.Context, assetID string) (io.ReadCloser, *models.Asset, error) {
	asset, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.blobPath(asset.UserID, asset.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open asset blob: %w", err)
	}
	return f, asset, nil
}

// ReadAll returns the full blob contents for an asset
func (s *Store) ReadAll(ctx context.Context, assetID string) ([]byte, *models.Asset, error) {
	r, asset, err := s.Open(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read asset blob: %w", err)
	}
	return data, asset, nil
}

// Delete removes the blob, releases the quota reservation, and deletes the
// metadata row. Missing blobs are tolerated so cleanup retries are idempotent.
func (s *Store) Delete(ctx context.Context, assetID string) error {
	asset, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		// Row already gone; nothing to release
		return nil
	}

	if err := os.Remove(s.blobPath(asset.UserID, asset.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove asset blob: %w", err)
	}
	if err := s.assets.ReleaseQuota(ctx, asset.UserID, asset.SizeBytes); err != nil {
		s.logger.Warn().Err(err).Str("asset_id", assetID).Msg("Failed to release quota")
	}
	if err := s.assets.DeleteAsset(ctx, assetID); err != nil {
		return err
	}

	s.logger.Debug().Str("asset_id", assetID).Msg("Asset deleted")
	return nil
}

// BlobPath returns the on-disk path for an asset. Used by handlers that hand
// the file to a subprocess.
func (s *Store) BlobPath(asset *models.Asset) string {
	return s.blobPath(asset.UserID, asset.ID)
}

func (s *Store) blobPath(userID, assetID string) string {
	return filepath.Join(s.root, userID, assetID)
}

// writeCapped copies r to path enforcing the per-asset size cap
func (s *Store) writeCapped(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create asset blob: %w", err)
	}
	defer f.Close()

	var src io.Reader = r
	if s.maxAssetSize > 0 {
		src = io.LimitReader(r, s.maxAssetSize+1)
	}
	size, err := io.Copy(f, src)
	if err != nil {
		return 0, fmt.Errorf("failed to write asset blob: %w", err)
	}
	if s.maxAssetSize > 0 && size > s.maxAssetSize {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrAssetTooLarge, s.maxAssetSize)
	}
	return size, nil
}

func (s *Store) rollbackQuota(ctx context.Context, userID string, bytes int64) {
	if err := s.assets.ReleaseQuota(ctx, userID, bytes); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to roll back quota reservation")
	}
}
