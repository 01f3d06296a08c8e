package assets

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/models"
)

// Cleaner is the asset_cleanup queue handler. Superseded assets are deleted
// here, outside the transaction that replaced them, so a re-crawl never
// blocks on blob removal.
type Cleaner struct {
	store  *Store
	logger arbor.ILogger
}

// NewCleaner creates the asset cleanup handler
func NewCleaner(store *Store, logger arbor.ILogger) *Cleaner {
	return &Cleaner{
		store:  store,
		logger: logger,
	}
}

// Handle deletes each asset named in the payload. Missing assets are fine,
// the job may be a retry that already removed some of them.
func (c *Cleaner) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl := payload.(*models.AssetCleanupPayload)

	for _, id := range pl.AssetIDs {
		if err := c.store.Delete(ctx, id); err != nil {
			return err
		}
	}

	c.logger.Debug().Int("count", len(pl.AssetIDs)).Msg("Superseded assets cleaned up")
	return nil
}
