package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	queue     interfaces.QueueStorage
	bookmark  interfaces.BookmarkStorage
	asset     interfaces.AssetStorage
	importSt  interfaces.ImportStorage
	rateLimit interfaces.RateLimitStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		queue:     NewQueueStorage(db, logger),
		bookmark:  NewBookmarkStorage(db, logger),
		asset:     NewAssetStorage(db, logger),
		importSt:  NewImportStorage(db, logger),
		rateLimit: NewRateLimitStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// QueueStorage returns the queue storage interface
func (m *Manager) QueueStorage() interfaces.QueueStorage {
	return m.queue
}

// BookmarkStorage returns the bookmark storage interface
func (m *Manager) BookmarkStorage() interfaces.BookmarkStorage {
	return m.bookmark
}

// AssetStorage returns the asset storage interface
func (m *Manager) AssetStorage() interfaces.AssetStorage {
	return m.asset
}

// ImportStorage returns the import storage interface
func (m *Manager) ImportStorage() interfaces.ImportStorage {
	return m.importSt
}

// RateLimitStorage returns the rate limit storage interface
func (m *Manager) RateLimitStorage() interfaces.RateLimitStorage {
	return m.rateLimit
}

// RunGC runs a value-log garbage collection pass
func (m *Manager) RunGC() {
	m.db.RunGC()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
