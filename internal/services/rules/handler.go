// -----------------------------------------------------------------------
// Rule Engine Handler - Evaluates the loaded rules for one bookmark's
// event batch and applies the matched actions
// -----------------------------------------------------------------------

package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// Handler serves the rule_engine queue
type Handler struct {
	rules     []Rule
	bookmarks interfaces.BookmarkStorage
	queues    *queue.Manager
	logger    arbor.ILogger
}

// NewHandler creates the rule evaluation handler
func NewHandler(rules []Rule, bookmarks interfaces.BookmarkStorage, queues *queue.Manager, logger arbor.ILogger) *Handler {
	return &Handler{
		rules:     rules,
		bookmarks: bookmarks,
		queues:    queues,
		logger:    logger,
	}
}

// Handle evaluates every loaded rule against the job's event batch
func (h *Handler) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.RuleEnginePayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}
	if len(h.rules) == 0 {
		return nil
	}

	b, err := h.bookmarks.GetBookmark(ctx, pl.BookmarkID)
	if err != nil {
		if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			return nil
		}
		return err
	}

	for _, event := range pl.Events {
		for i := range h.rules {
			rule := &h.rules[i]
			if !rule.matches(event.Type, b) {
				continue
			}
			if err := h.apply(ctx, rule, b); err != nil {
				return fmt.Errorf("rule %q failed: %w", rule.Name, err)
			}
			h.logger.Info().
				Str("rule", rule.Name).
				Str("event", event.Type).
				Str("bookmark_id", b.ID).
				Msg("Rule applied")
		}
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, rule *Rule, b *models.Bookmark) error {
	if len(rule.Actions.AddTags) > 0 || rule.Actions.MoveToList != "" {
		updated, err := h.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
			for _, tag := range rule.Actions.AddTags {
				if !containsString(row.Tags, tag) {
					row.Tags = append(row.Tags, tag)
				}
			}
			if list := rule.Actions.MoveToList; list != "" && !containsString(row.ListIDs, list) {
				row.ListIDs = append(row.ListIDs, list)
			}
			row.ModifiedAt = time.Now()
			return nil
		})
		if err != nil {
			return err
		}
		// Later rules in the batch see the mutated row
		*b = *updated
	}

	if event := rule.Actions.EnqueueWebhook; event != "" {
		_, err := h.queues.Enqueue(ctx, models.QueueWebhook, &models.WebhookPayload{
			BookmarkID: b.ID,
			Event:      event,
			UserID:     b.UserID,
		}, queue.EnqueueOptions{GroupID: b.UserID})
		if err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
