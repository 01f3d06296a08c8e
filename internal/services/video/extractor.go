// -----------------------------------------------------------------------
// Video Extractor - Downloads page video via yt-dlp and stores it as a
// bookmark asset
// -----------------------------------------------------------------------

package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	"github.com/ternarybob/stash/internal/services/assets"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// Extractor is the video queue handler. It shells out to yt-dlp, caps the
// download size, and swaps the stored video asset on re-crawl.
type Extractor struct {
	binary    string
	timeout   time.Duration
	maxSizeMB int
	blobs     *assets.Store
	assetRows interfaces.AssetStorage
	bookmarks interfaces.BookmarkStorage
	queues    *queue.Manager
	proxy     *common.ProxySelector
	logger    arbor.ILogger
}

// NewExtractor creates the video extraction handler from config
func NewExtractor(config *common.VideoConfig, blobs *assets.Store, assetRows interfaces.AssetStorage, bookmarks interfaces.BookmarkStorage, queues *queue.Manager, proxy *common.ProxySelector, logger arbor.ILogger) *Extractor {
	binary := config.YTDLPPath
	if binary == "" {
		binary = "yt-dlp"
	}
	timeout := time.Duration(config.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxSizeMB := config.MaxSizeMB
	if maxSizeMB <= 0 {
		maxSizeMB = 200
	}

	return &Extractor{
		binary:    binary,
		timeout:   timeout,
		maxSizeMB: maxSizeMB,
		blobs:     blobs,
		assetRows: assetRows,
		bookmarks: bookmarks,
		queues:    queues,
		proxy:     proxy,
		logger:    logger,
	}
}

// Available reports whether the yt-dlp binary can be executed
func (e *Extractor) Available() bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

// Handle downloads the video behind one bookmark URL
func (e *Extractor) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.VideoPayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}

	b, err := e.bookmarks.GetBookmark(ctx, pl.BookmarkID)
	if err != nil {
		if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			return nil
		}
		return err
	}

	if !e.Available() {
		e.logger.Warn().Str("binary", e.binary).Msg("yt-dlp unavailable, skipping video extraction")
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "stash-video-*")
	if err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	path, err := e.download(ctx, pl.URL, tmpDir)
	if err != nil {
		return err
	}
	if path == "" {
		// yt-dlp found no video, or the size cap skipped the download.
		// Neither improves on retry.
		e.logger.Info().Str("bookmark_id", b.ID).Str("url", pl.URL).Msg("No video extracted")
		return nil
	}

	return e.store(ctx, b, path)
}

// download runs yt-dlp into dir and returns the produced file path. An empty
// path with a nil error means yt-dlp completed without producing a file.
func (e *Extractor) download(ctx context.Context, url, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary,
		"--no-playlist",
		"--no-progress",
		"--max-filesize", fmt.Sprintf("%dM", e.maxSizeMB),
		"-f", "best[ext=mp4]/best",
		"-o", filepath.Join(dir, "video.%(ext)s"),
		url,
	)
	cmd.Env = e.proxy.Env()

	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("video download timed out after %s", e.timeout)
		}
		msg := stderr.String()
		if len(msg) > 512 {
			msg = msg[:512] + "..."
		}
		return "", fmt.Errorf("yt-dlp failed: %w (stderr: %s)", err, msg)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "video.*"))
	if err != nil || len(matches) == 0 {
		return "", nil
	}

	e.logger.Debug().
		Str("url", url).
		Str("elapsed", time.Since(start).String()).
		Msg("Video downloaded")
	return matches[0], nil
}

// store streams the downloaded file into the blob store and retires any
// previous video asset for the bookmark
func (e *Extractor) store(ctx context.Context, b *models.Bookmark, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open downloaded video: %w", err)
	}
	defer f.Close()

	old, _ := e.assetRows.FindByRole(ctx, b.ID, models.AssetRoleVideo)

	asset := &models.Asset{
		ID:          common.NewAssetID(),
		BookmarkID:  b.ID,
		UserID:      b.UserID,
		Role:        models.AssetRoleVideo,
		ContentType: contentTypeForExt(filepath.Ext(path)),
		FileName:    "video" + filepath.Ext(path),
		CreatedAt:   time.Now(),
	}
	if err := e.blobs.Save(ctx, asset, f); err != nil {
		if errors.Is(err, badgerstorage.ErrQuotaExceeded) || errors.Is(err, assets.ErrAssetTooLarge) {
			return queue.Permanent(err)
		}
		return err
	}

	if old != nil && old.ID != asset.ID {
		_, err := e.queues.Enqueue(ctx, models.QueueAssetCleanup,
			&models.AssetCleanupPayload{AssetIDs: []string{old.ID}}, queue.EnqueueOptions{})
		if err != nil {
			e.logger.Warn().Err(err).Str("asset_id", old.ID).Msg("Failed to enqueue superseded video cleanup")
		}
	}

	e.logger.Info().
		Str("bookmark_id", b.ID).
		Str("asset_id", asset.ID).
		Int64("size_bytes", asset.SizeBytes).
		Msg("Video stored")
	return nil
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}
