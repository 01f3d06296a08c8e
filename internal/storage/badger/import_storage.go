package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ImportStorage implements interfaces.ImportStorage on badgerhold
type ImportStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	claimMu sync.Mutex
}

// NewImportStorage creates a new ImportStorage instance
func NewImportStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ImportStorage {
	return &ImportStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ImportStorage) SaveSession(ctx context.Context, session *models.ImportSession) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.db.Store().Upsert(session.ID, *session); err != nil {
		return fmt.Errorf("failed to save import session: %w", err)
	}
	return nil
}

func (s *ImportStorage) GetSession(ctx context.Context, id string) (*models.ImportSession, error) {
	var session models.ImportSession
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("import session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get import session: %w", err)
	}
	return &session, nil
}

func (s *ImportStorage) ListSessionsByStatus(ctx context.Context, statuses ...models.ImportSessionStatus) ([]*models.ImportSession, error) {
	var sessions []models.ImportSession
	if err := s.db.Store().Find(&sessions, nil); err != nil {
		return nil, fmt.Errorf("failed to list import sessions: %w", err)
	}

	want := make(map[models.ImportSessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var result []*models.ImportSession
	for i := range sessions {
		if len(want) == 0 || want[sessions[i].Status] {
			result = append(result, &sessions[i])
		}
	}
	return result, nil
}

func (s *ImportStorage) SaveItem(ctx context.Context, item *models.ImportStagingItem) error {
	if item.ID == "" {
		return fmt.Errorf("staging item ID is required")
	}
	if err := s.db.Store().Upsert(item.ID, *item); err != nil {
		return fmt.Errorf("failed to save staging item: %w", err)
	}
	return nil
}

func (s *ImportStorage) GetItem(ctx context.Context, id string) (*models.ImportStagingItem, error) {
	var item models.ImportStagingItem
	if err := s.db.Store().Get(id, &item); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("staging item not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get staging item: %w", err)
	}
	return &item, nil
}

func (s *ImportStorage) ListItemsByStatus(ctx context.Context, sessionID string, status models.ImportItemStatus) ([]*models.ImportStagingItem, error) {
	var items []models.ImportStagingItem
	if err := s.db.Store().Find(&items,
		badgerhold.Where("SessionID").Eq(sessionID).And("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list staging items: %w", err)
	}
	result := make([]*models.ImportStagingItem, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

func (s *ImportStorage) CountItemsByStatus(ctx context.Context, sessionID string, status models.ImportItemStatus) (int, error) {
	count, err := s.db.Store().Count(&models.ImportStagingItem{},
		badgerhold.Where("SessionID").Eq(sessionID).And("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count staging items: %w", err)
	}
	return int(count), nil
}

// SelectPendingCandidates walks sessions in least-recently-processed order
// and collects pending items FIFO within each session. This mirrors the
// group fairness the queue applies to jobs.
func (s *ImportStorage) SelectPendingCandidates(ctx context.Context, sessions []*models.ImportSession, limit int) ([]*models.ImportStagingItem, error) {
	ordered := make([]*models.ImportSession, len(sessions))
	copy(ordered, sessions)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].LastProcessedAt.Before(ordered[b].LastProcessedAt)
	})

	var candidates []*models.ImportStagingItem
	for _, session := range ordered {
		if len(candidates) >= limit {
			break
		}
		items, err := s.ListItemsByStatus(ctx, session.ID, models.ImportItemPending)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(items, func(a, b int) bool {
			return items[a].CreatedAt.Before(items[b].CreatedAt)
		})
		for _, item := range items {
			if len(candidates) >= limit {
				break
			}
			candidates = append(candidates, item)
		}
	}
	return candidates, nil
}

// ClaimItems conditionally flips pending items to processing. Items that are
// no longer pending (claimed by another worker, session paused) are skipped.
func (s *ImportStorage) ClaimItems(ctx context.Context, itemIDs []string, now time.Time) ([]*models.ImportStagingItem, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var claimed []*models.ImportStagingItem
	for _, id := range itemIDs {
		var item models.ImportStagingItem
		if err := s.db.Store().Get(id, &item); err != nil {
			continue
		}
		if item.Status != models.ImportItemPending {
			continue
		}
		item.Status = models.ImportItemProcessing
		started := now
		item.ProcessingStartedAt = &started
		if err := s.db.Store().Upsert(item.ID, item); err != nil {
			s.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to claim staging item")
			continue
		}
		claimed = append(claimed, &item)
	}
	return claimed, nil
}

func (s *ImportStorage) ListProcessing(ctx context.Context) ([]*models.ImportStagingItem, error) {
	var items []models.ImportStagingItem
	if err := s.db.Store().Find(&items, badgerhold.Where("Status").Eq(models.ImportItemProcessing)); err != nil {
		return nil, fmt.Errorf("failed to list processing items: %w", err)
	}
	result := make([]*models.ImportStagingItem, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result, nil
}

func (s *ImportStorage) CountProcessing(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.ImportStagingItem{},
		badgerhold.Where("Status").Eq(models.ImportItemProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to count processing items: %w", err)
	}
	return int(count), nil
}
