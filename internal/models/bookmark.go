// -----------------------------------------------------------------------
// Bookmark - Core entity enriched by the processing pipeline
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// BookmarkType discriminates the three bookmark shapes
type BookmarkType string

const (
	BookmarkTypeLink  BookmarkType = "link"
	BookmarkTypeText  BookmarkType = "text"
	BookmarkTypeAsset BookmarkType = "asset"
)

// CrawlStatus tracks the outcome of the most recent crawl attempt.
// Transitions are one-way per attempt: pending -> success | failure.
// A retry of a failed crawl resets the status to pending.
type CrawlStatus string

const (
	CrawlStatusPending CrawlStatus = "pending"
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusFailure CrawlStatus = "failure"
)

// InferenceStatus tracks tagging/summarization outcomes
type InferenceStatus string

const (
	InferenceStatusPending InferenceStatus = "pending"
	InferenceStatusSuccess InferenceStatus = "success"
	InferenceStatusFailure InferenceStatus = "failure"
)

// Bookmark is the enriched bookmark row. Link, text, and asset fields are
// flattened onto one struct; the Type field controls which are meaningful.
type Bookmark struct {
	ID         string       `json:"id" badgerhold:"key"`
	UserID     string       `json:"user_id" badgerhold:"index"`
	Type       BookmarkType `json:"type"`
	CreatedAt  time.Time    `json:"created_at"`
	ModifiedAt time.Time    `json:"modified_at"`
	Tags       []string     `json:"tags,omitempty"`
	ListIDs    []string     `json:"list_ids,omitempty"`

	// Link fields
	URL                 string           `json:"url,omitempty" badgerhold:"index"`
	Title               string           `json:"title,omitempty"`
	Description         string           `json:"description,omitempty"`
	Author              string           `json:"author,omitempty"`
	Publisher           string           `json:"publisher,omitempty"`
	DatePublished       *time.Time       `json:"date_published,omitempty"`
	DateModified        *time.Time       `json:"date_modified,omitempty"`
	Favicon             string           `json:"favicon,omitempty"`
	ImageURL            string           `json:"image_url,omitempty"`
	CrawledAt           *time.Time       `json:"crawled_at,omitempty"`
	CrawlStatus         CrawlStatus      `json:"crawl_status,omitempty"`
	CrawlStatusCode     int              `json:"crawl_status_code,omitempty"`
	HTMLContent         string           `json:"html_content,omitempty"`     // Inline readable HTML, small pages only
	ContentAssetID      string           `json:"content_asset_id,omitempty"` // Reference for large readable HTML
	TaggingStatus       *InferenceStatus `json:"tagging_status,omitempty"`
	SummarizationStatus *InferenceStatus `json:"summarization_status,omitempty"`
	Summary             string           `json:"summary,omitempty"`

	// Text fields
	Text      string `json:"text,omitempty"`
	SourceURL string `json:"source_url,omitempty"`

	// Asset fields
	AssetID   string `json:"asset_id,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

// NewLinkBookmark creates a link bookmark awaiting its first crawl
func NewLinkBookmark(id, userID, url string) *Bookmark {
	now := time.Now()
	pending := InferenceStatusPending
	return &Bookmark{
		ID:                  id,
		UserID:              userID,
		Type:                BookmarkTypeLink,
		URL:                 url,
		CreatedAt:           now,
		ModifiedAt:          now,
		CrawlStatus:         CrawlStatusPending,
		TaggingStatus:       &pending,
		SummarizationStatus: &pending,
	}
}

// NewTextBookmark creates a text-note bookmark
func NewTextBookmark(id, userID, text, sourceURL string) *Bookmark {
	now := time.Now()
	pending := InferenceStatusPending
	return &Bookmark{
		ID:            id,
		UserID:        userID,
		Type:          BookmarkTypeText,
		Text:          text,
		SourceURL:     sourceURL,
		CreatedAt:     now,
		ModifiedAt:    now,
		TaggingStatus: &pending,
	}
}

// Validate checks structural invariants
func (b *Bookmark) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("bookmark ID is required")
	}
	if b.UserID == "" {
		return fmt.Errorf("bookmark user ID is required")
	}
	switch b.Type {
	case BookmarkTypeLink:
		if b.URL == "" {
			return fmt.Errorf("link bookmark requires a URL")
		}
	case BookmarkTypeText:
		if b.Text == "" {
			return fmt.Errorf("text bookmark requires text")
		}
	case BookmarkTypeAsset:
		if b.AssetID == "" {
			return fmt.Errorf("asset bookmark requires an asset ID")
		}
	default:
		return fmt.Errorf("unknown bookmark type %q", b.Type)
	}
	return nil
}

// MorphToAsset converts a link bookmark into an asset bookmark in place.
// Used when the content-type probe finds a direct PDF or image.
func (b *Bookmark) MorphToAsset(assetID, assetType, fileName string) {
	b.SourceURL = b.URL
	b.URL = ""
	b.Type = BookmarkTypeAsset
	b.AssetID = assetID
	b.AssetType = assetType
	b.FileName = fileName
	b.CrawlStatus = ""
	b.ModifiedAt = time.Now()
}

// InferenceTerminal reports whether a nullable inference status has settled.
// A nil status counts as terminal: the stage was never scheduled.
func InferenceTerminal(s *InferenceStatus) bool {
	return s == nil || *s == InferenceStatusSuccess || *s == InferenceStatusFailure
}
