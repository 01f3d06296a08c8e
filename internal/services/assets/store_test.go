package assets

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

func newTestStore(t *testing.T, maxAssetMB, quotaMB int) (*Store, interfaces.AssetStorage) {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "assets-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assetStorage := badgerstorage.NewAssetStorage(db, logger)
	store, err := NewStore(&common.StorageConfig{
		Filesystem:     common.FilesystemConfig{Assets: filepath.Join(t.TempDir(), "blobs")},
		MaxAssetSizeMB: maxAssetMB,
		UserQuotaMB:    quotaMB,
	}, assetStorage, logger)
	require.NoError(t, err)
	return store, assetStorage
}

func testAsset(id string) *models.Asset {
	return &models.Asset{
		ID:          id,
		BookmarkID:  "bm_1",
		UserID:      "user-1",
		Role:        models.AssetRoleScreenshot,
		ContentType: "image/jpeg",
		CreatedAt:   time.Now(),
	}
}

func TestStoreSaveAndRead(t *testing.T) {
	store, assetStorage := newTestStore(t, 1, 10)
	ctx := context.Background()

	data := []byte("jpeg bytes")
	asset := testAsset("as_1")
	require.NoError(t, store.SaveBytes(ctx, asset, data))
	assert.Equal(t, int64(len(data)), asset.SizeBytes)

	read, meta, err := store.ReadAll(ctx, "as_1")
	require.NoError(t, err)
	assert.Equal(t, data, read)
	assert.Equal(t, models.AssetRoleScreenshot, meta.Role)

	used, err := assetStorage.QuotaUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), used)
}

func TestStoreRejectsOversizedBlob(t *testing.T) {
	store, assetStorage := newTestStore(t, 1, 10)
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 1024*1024+1)
	err := store.Save(ctx, testAsset("as_big"), bytes.NewReader(big))
	require.ErrorIs(t, err, ErrAssetTooLarge)

	// Nothing persisted, nothing reserved
	_, err = assetStorage.GetAsset(ctx, "as_big")
	assert.Error(t, err)
	used, err := assetStorage.QuotaUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestStoreEnforcesUserQuota(t *testing.T) {
	store, _ := newTestStore(t, 0, 1)
	ctx := context.Background()

	// First asset fits, second crosses the 1 MB quota
	half := bytes.Repeat([]byte("x"), 700*1024)
	require.NoError(t, store.Save(ctx, testAsset("as_1"), bytes.NewReader(half)))

	err := store.Save(ctx, testAsset("as_2"), bytes.NewReader(half))
	require.ErrorIs(t, err, badgerstorage.ErrQuotaExceeded)

	// The rejected blob must not linger on disk
	_, statErr := os.Stat(store.blobPath("user-1", "as_2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStoreDeleteReleasesQuota(t *testing.T) {
	store, assetStorage := newTestStore(t, 1, 10)
	ctx := context.Background()

	asset := testAsset("as_1")
	require.NoError(t, store.SaveBytes(ctx, asset, []byte("payload")))
	path := store.BlobPath(asset)

	require.NoError(t, store.Delete(ctx, "as_1"))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	used, err := assetStorage.QuotaUsed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	// Deleting again is a no-op
	assert.NoError(t, store.Delete(ctx, "as_1"))
}

func TestCleanerHandleToleratesMissing(t *testing.T) {
	store, _ := newTestStore(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, store.SaveBytes(ctx, testAsset("as_1"), []byte("payload")))

	cleaner := NewCleaner(store, arbor.NewLogger())
	err := cleaner.Handle(ctx, nil, &models.AssetCleanupPayload{AssetIDs: []string{"as_1", "as_gone"}})
	require.NoError(t, err)
}
