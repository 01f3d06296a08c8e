// -----------------------------------------------------------------------
// Asset Preprocessing - PDF validation and page counts after ingest
// -----------------------------------------------------------------------

package assets

import (
	"context"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
)

// Preprocessor is the asset_preprocessing queue handler. It validates stored
// PDFs with pdfcpu and records their page counts on the metadata row.
type Preprocessor struct {
	store  *Store
	assets interfaces.AssetStorage
	logger arbor.ILogger
}

// NewPreprocessor creates the asset preprocessing handler
func NewPreprocessor(store *Store, assetStorage interfaces.AssetStorage, logger arbor.ILogger) *Preprocessor {
	return &Preprocessor{
		store:  store,
		assets: assetStorage,
		logger: logger,
	}
}

// Handle processes one asset_preprocessing job
func (p *Preprocessor) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl := payload.(*models.AssetPreprocessingPayload)

	assets, err := p.store.assets.ListByBookmark(ctx, pl.BookmarkID)
	if err != nil {
		return err
	}

	for _, asset := range assets {
		if !isPDF(asset) {
			continue
		}
		// Already processed unless fix mode re-runs everything
		if asset.PageCount > 0 && !pl.FixMode {
			continue
		}
		if err := p.processPDF(ctx, asset); err != nil {
			p.logger.Warn().Err(err).
				Str("asset_id", asset.ID).
				Str("bookmark_id", pl.BookmarkID).
				Msg("PDF preprocessing failed")
			continue
		}
	}
	return nil
}

func (p *Preprocessor) processPDF(ctx context.Context, asset *models.Asset) error {
	path := p.store.BlobPath(asset)

	if err := api.ValidateFile(path, nil); err != nil {
		return fmt.Errorf("pdf validation failed: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pdf: %w", err)
	}

	asset.PageCount = pdfCtx.PageCount
	if err := p.assets.SaveAsset(ctx, asset); err != nil {
		return err
	}

	p.logger.Debug().
		Str("asset_id", asset.ID).
		Int("page_count", asset.PageCount).
		Msg("PDF preprocessed")
	return nil
}

func isPDF(asset *models.Asset) bool {
	if asset.Role == models.AssetRolePDF {
		return true
	}
	return strings.EqualFold(asset.ContentType, "application/pdf")
}
