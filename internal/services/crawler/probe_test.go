package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/services/assets"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

type proberFixture struct {
	prober    *Prober
	bookmarks interfaces.BookmarkStorage
	assetRows interfaces.AssetStorage
	blobs     *assets.Store
}

func newProberFixture(t *testing.T) *proberFixture {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "probe-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assetRows := badgerstorage.NewAssetStorage(db, logger)
	bookmarks := badgerstorage.NewBookmarkStorage(db, logger)

	blobs, err := assets.NewStore(&common.StorageConfig{
		Filesystem:     common.FilesystemConfig{Assets: filepath.Join(t.TempDir(), "blobs")},
		MaxAssetSizeMB: 10,
		UserQuotaMB:    100,
	}, assetRows, logger)
	require.NoError(t, err)

	prober := NewProber(http.DefaultClient, blobs, bookmarks, &common.CrawlerConfig{
		UserAgent: "stash-test/1.0",
	}, logger)

	return &proberFixture{
		prober:    prober,
		bookmarks: bookmarks,
		assetRows: assetRows,
		blobs:     blobs,
	}
}

func (f *proberFixture) seedLinkBookmark(t *testing.T, url string) *models.Bookmark {
	t.Helper()
	b := models.NewLinkBookmark("bm_1", "user-1", url)
	require.NoError(t, f.bookmarks.SaveBookmark(context.Background(), b))
	return b
}

func TestProbeMorphsDirectPDF(t *testing.T) {
	pdfBytes := []byte("%PDF-1.4 fake body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBytes)
	}))
	defer srv.Close()

	f := newProberFixture(t)
	b := f.seedLinkBookmark(t, srv.URL+"/paper.pdf")
	ctx := context.Background()

	result, err := f.prober.Probe(ctx, b)
	require.NoError(t, err)
	require.True(t, result.Morphed)
	require.NotEmpty(t, result.AssetID)

	morphed, err := f.bookmarks.GetBookmark(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkTypeAsset, morphed.Type)
	assert.Equal(t, result.AssetID, morphed.AssetID)
	assert.Equal(t, "application/pdf", morphed.AssetType)
	assert.Equal(t, "paper.pdf", morphed.FileName)
	assert.Empty(t, morphed.URL)
	assert.Equal(t, srv.URL+"/paper.pdf", morphed.SourceURL)

	blob, meta, err := f.blobs.ReadAll(ctx, result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, blob)
	assert.Equal(t, models.AssetRolePDF, meta.Role)
}

func TestProbeMorphsDirectImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	f := newProberFixture(t)
	b := f.seedLinkBookmark(t, srv.URL+"/photo.png")

	result, err := f.prober.Probe(context.Background(), b)
	require.NoError(t, err)
	require.True(t, result.Morphed)

	meta, err := f.assetRows.GetAsset(context.Background(), result.AssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetRoleUpload, meta.Role)
}

func TestProbeLeavesHTMLAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>page</body></html>"))
	}))
	defer srv.Close()

	f := newProberFixture(t)
	b := f.seedLinkBookmark(t, srv.URL+"/article")

	result, err := f.prober.Probe(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, result.Morphed)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	unchanged, err := f.bookmarks.GetBookmark(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookmarkTypeLink, unchanged.Type)
}

func TestProbeSkipsMorphOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newProberFixture(t)
	b := f.seedLinkBookmark(t, srv.URL+"/gone.pdf")

	result, err := f.prober.Probe(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, result.Morphed)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
}

func TestProbeFailsOnUnreachableServer(t *testing.T) {
	f := newProberFixture(t)
	b := f.seedLinkBookmark(t, "http://127.0.0.1:1/unreachable")

	_, err := f.prober.Probe(context.Background(), b)
	require.Error(t, err)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "paper.pdf", fileNameFromURL("https://example.com/docs/paper.pdf", "application/pdf"))
	assert.Equal(t, "download.pdf", fileNameFromURL("https://example.com/", "application/pdf"))
	assert.Equal(t, "photo.png", fileNameFromURL("https://example.com/photo.png?size=large", "image/png"))
}
