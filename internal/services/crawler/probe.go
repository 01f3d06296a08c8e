// -----------------------------------------------------------------------
// Content-Type Probe - Detects direct PDF/image URLs and morphs the
// bookmark from link to asset before the browser ever starts
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/services/assets"
)

const probeTimeout = 5 * time.Second

// assetContentTypes are the MIME types that turn a link into an asset
// bookmark instead of a crawled page.
var assetContentTypes = map[string]string{
	"application/pdf": string(models.AssetRolePDF),
	"image/jpeg":      string(models.AssetRoleUpload),
	"image/png":       string(models.AssetRoleUpload),
	"image/gif":       string(models.AssetRoleUpload),
	"image/webp":      string(models.AssetRoleUpload),
}

// Prober issues the short pre-crawl GET and handles the link-to-asset morph
type Prober struct {
	client    *http.Client
	store     *assets.Store
	bookmarks interfaces.BookmarkStorage
	logger    arbor.ILogger
	userAgent string
}

// NewProber creates the content-type probe. The client routes through the
// configured proxy selector.
func NewProber(client *http.Client, store *assets.Store, bookmarks interfaces.BookmarkStorage, config *common.CrawlerConfig, logger arbor.ILogger) *Prober {
	return &Prober{
		client:    client,
		store:     store,
		bookmarks: bookmarks,
		logger:    logger,
		userAgent: config.UserAgent,
	}
}

// ProbeResult describes what the probe decided
type ProbeResult struct {
	// Morphed is true when the bookmark became an asset and the pipeline
	// should stop.
	Morphed    bool
	StatusCode int
	// AssetID is set when Morphed
	AssetID string
}

// Probe fetches the URL's content type. Direct PDFs and images are streamed
// into the blob store under the size cap and the bookmark row flips to asset
// type; everything else continues into the browser phase.
func (p *Prober) Probe(ctx context.Context, b *models.Bookmark) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("probe request invalid: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	result := &ProbeResult{StatusCode: resp.StatusCode}

	role, isAsset := assetContentTypes[mediaType]
	if !isAsset || resp.StatusCode != http.StatusOK {
		return result, nil
	}

	assetID := common.NewAssetID()
	asset := &models.Asset{
		ID:          assetID,
		BookmarkID:  b.ID,
		UserID:      b.UserID,
		Role:        models.AssetRole(role),
		ContentType: mediaType,
		FileName:    fileNameFromURL(b.URL, mediaType),
		CreatedAt:   time.Now(),
	}

	if err := p.store.Save(ctx, asset, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to store probed asset: %w", err)
	}

	// Flip the bookmark row atomically under the store lock
	_, err = p.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
		row.MorphToAsset(assetID, mediaType, asset.FileName)
		return nil
	})
	if err != nil {
		// The blob exists but the bookmark still thinks it is a link; drop
		// the orphan so a retry starts clean
		if derr := p.store.Delete(ctx, assetID); derr != nil {
			p.logger.Warn().Err(derr).Str("asset_id", assetID).Msg("Failed to remove orphaned probe asset")
		}
		return nil, err
	}

	p.logger.Info().
		Str("bookmark_id", b.ID).
		Str("content_type", mediaType).
		Str("asset_id", assetID).
		Msg("Bookmark morphed from link to asset")

	result.Morphed = true
	result.AssetID = assetID
	return result, nil
}

// fetchBrowserless retrieves the page over plain HTTP for browserless mode
func fetchBrowserless(ctx context.Context, client *http.Client, pageURL, userAgent string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", 0, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readCapped(resp.Body, 20*1024*1024)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read page body: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

func fileNameFromURL(rawURL, mediaType string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	if path.Ext(name) == "" {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
