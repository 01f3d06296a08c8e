// -----------------------------------------------------------------------
// Inference Handler - Claude-backed tagging and summarization for the
// inference queue
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

const (
	// maxInferenceInput caps how much page content goes into one prompt
	maxInferenceInput = 24 * 1024
	maxTags           = 5
)

const tagSystemPrompt = `You label bookmarks. Given a page's title, description, and content, ` +
	`respond with a JSON array of one to five short lowercase tags. Prefer reusing ` +
	`tags from the user's existing vocabulary when they fit. Respond with the JSON ` +
	`array only, no prose.`

const summarizeSystemPrompt = `You summarize bookmarked pages. Given a page's title, description, ` +
	`and content, respond with a plain-text summary of at most three sentences. ` +
	`No preamble, no markdown.`

// Inference is the handler for the inference queue: one job tags or
// summarizes one bookmark.
type Inference struct {
	completer Completer
	bookmarks interfaces.BookmarkStorage
	blobs     ContentReader
	queues    *queue.Manager
	logger    arbor.ILogger
}

// ContentReader resolves a content asset into bytes (large readable content
// lives in the blob store instead of inline on the bookmark row)
type ContentReader interface {
	ReadAll(ctx context.Context, assetID string) ([]byte, *models.Asset, error)
}

// NewInference assembles the tag/summarize handler
func NewInference(completer Completer, bookmarks interfaces.BookmarkStorage, blobs ContentReader, queues *queue.Manager, logger arbor.ILogger) *Inference {
	return &Inference{
		completer: completer,
		bookmarks: bookmarks,
		blobs:     blobs,
		queues:    queues,
		logger:    logger,
	}
}

// Handle runs one inference job
func (i *Inference) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.InferencePayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}

	b, err := i.bookmarks.GetBookmark(ctx, pl.BookmarkID)
	if err != nil {
		if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			i.logger.Info().Str("bookmark_id", pl.BookmarkID).Msg("Inference skipped, bookmark no longer exists")
			return nil
		}
		return err
	}

	content := i.resolveContent(ctx, b)

	switch pl.Type {
	case models.InferenceTag:
		err = i.tag(ctx, b, content)
	case models.InferenceSummarize:
		err = i.summarize(ctx, b, content)
	default:
		return queue.Permanent(fmt.Errorf("unknown inference type %q", pl.Type))
	}

	if err != nil {
		// External waits pass through untouched; real failures on the final
		// attempt settle the status so nothing downstream waits forever
		var retryAfter *queue.RetryAfterError
		if !errors.As(err, &retryAfter) && job.RunsAttempted > job.MaxRetries {
			i.settleStatus(ctx, b.ID, pl.Type, models.InferenceStatusFailure)
		}
		return err
	}

	i.enqueueReindex(ctx, job, b)
	return nil
}

// resolveContent assembles the prompt input from the bookmark's inline
// content, its content asset, or its text body
func (i *Inference) resolveContent(ctx context.Context, b *models.Bookmark) string {
	var content string
	switch {
	case b.HTMLContent != "":
		content = b.HTMLContent
	case b.ContentAssetID != "":
		data, _, err := i.blobs.ReadAll(ctx, b.ContentAssetID)
		if err != nil {
			i.logger.Warn().Err(err).
				Str("bookmark_id", b.ID).
				Str("asset_id", b.ContentAssetID).
				Msg("Content asset unreadable, inferring from metadata only")
		} else {
			content = string(data)
		}
	case b.Text != "":
		content = b.Text
	}

	if len(content) > maxInferenceInput {
		content = content[:maxInferenceInput]
	}
	return content
}

func (i *Inference) tag(ctx context.Context, b *models.Bookmark, content string) error {
	raw, err := i.completer.Complete(ctx, tagSystemPrompt, buildTagPrompt(b, content))
	if err != nil {
		return err
	}

	tags, err := parseTagResponse(raw)
	if err != nil {
		return fmt.Errorf("tag response does not parse: %w", err)
	}

	_, err = i.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
		row.Tags = mergeTags(row.Tags, tags)
		success := models.InferenceStatusSuccess
		row.TaggingStatus = &success
		row.ModifiedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	i.logger.Info().
		Str("bookmark_id", b.ID).
		Strs("tags", tags).
		Msg("Bookmark tagged")
	return nil
}

func (i *Inference) summarize(ctx context.Context, b *models.Bookmark, content string) error {
	summary, err := i.completer.Complete(ctx, summarizeSystemPrompt, buildSummarizePrompt(b, content))
	if err != nil {
		return err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("summarization returned empty text")
	}

	_, err = i.bookmarks.UpdateBookmark(ctx, b.ID, func(row *models.Bookmark) error {
		row.Summary = summary
		success := models.InferenceStatusSuccess
		row.SummarizationStatus = &success
		row.ModifiedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	i.logger.Info().Str("bookmark_id", b.ID).Msg("Bookmark summarized")
	return nil
}

func (i *Inference) settleStatus(ctx context.Context, bookmarkID string, t models.InferenceType, status models.InferenceStatus) {
	_, err := i.bookmarks.UpdateBookmark(ctx, bookmarkID, func(row *models.Bookmark) error {
		switch t {
		case models.InferenceTag:
			row.TaggingStatus = &status
		case models.InferenceSummarize:
			row.SummarizationStatus = &status
		}
		row.ModifiedAt = time.Now()
		return nil
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("bookmark_id", bookmarkID).Msg("Failed to settle inference status")
	}
}

func (i *Inference) enqueueReindex(ctx context.Context, job *models.Job, b *models.Bookmark) {
	_, err := i.queues.Enqueue(ctx, models.QueueSearchIndex,
		&models.SearchIndexPayload{BookmarkID: b.ID, Type: models.SearchIndexUpsert},
		queue.EnqueueOptions{Priority: job.Priority, GroupID: b.UserID})
	if err != nil {
		i.logger.Warn().Err(err).Str("bookmark_id", b.ID).Msg("Failed to enqueue reindex after inference")
	}
}

func buildTagPrompt(b *models.Bookmark, content string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	if len(b.Tags) > 0 {
		fmt.Fprintf(&sb, "Existing tags on this user's bookmarks: %s\n", strings.Join(b.Tags, ", "))
	}
	fmt.Fprintf(&sb, "\nContent:\n%s\n", content)
	return sb.String()
}

func buildSummarizePrompt(b *models.Bookmark, content string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	fmt.Fprintf(&sb, "\nContent:\n%s\n", content)
	return sb.String()
}

// parseTagResponse extracts the JSON tag array, tolerating the fenced code
// block wrappers models like to add
func parseTagResponse(raw string) ([]string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	// Fall back to the first bracketed span if prose leaked in anyway
	if !strings.HasPrefix(cleaned, "[") {
		start := strings.Index(cleaned, "[")
		end := strings.LastIndex(cleaned, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON array in response")
		}
		cleaned = cleaned[start : end+1]
	}

	var tags []string
	if err := json.Unmarshal([]byte(cleaned), &tags); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
		if len(out) == maxTags {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("response contained no usable tags")
	}
	return out, nil
}

// mergeTags unions existing and generated tags, keeping existing order first
func mergeTags(existing, generated []string) []string {
	seen := make(map[string]bool, len(existing)+len(generated))
	out := make([]string, 0, len(existing)+len(generated))
	for _, tag := range existing {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	added := make([]string, 0, len(generated))
	for _, tag := range generated {
		if !seen[tag] {
			seen[tag] = true
			added = append(added, tag)
		}
	}
	sort.Strings(added)
	return append(out, added...)
}
