// -----------------------------------------------------------------------
// Queue payload shapes - schema-validated on dequeue, one per queue
// -----------------------------------------------------------------------

package models

// CrawlPayload drives the crawl pipeline for one link bookmark
type CrawlPayload struct {
	BookmarkID      string `json:"bookmark_id" validate:"required"`
	ArchiveFullPage bool   `json:"archive_full_page,omitempty"`
	StorePDF        bool   `json:"store_pdf,omitempty"`
	RunInference    bool   `json:"run_inference"`
}

// InferenceType selects the LLM operation
type InferenceType string

const (
	InferenceTag       InferenceType = "tag"
	InferenceSummarize InferenceType = "summarize"
)

// InferencePayload drives the tag and summarize handlers
type InferencePayload struct {
	BookmarkID string        `json:"bookmark_id" validate:"required"`
	Type       InferenceType `json:"type" validate:"required,oneof=tag summarize"`
}

// SearchIndexOp selects the index operation
type SearchIndexOp string

const (
	SearchIndexUpsert SearchIndexOp = "upsert"
	SearchIndexDelete SearchIndexOp = "delete"
)

// SearchIndexPayload drives the search reindex handler
type SearchIndexPayload struct {
	BookmarkID string        `json:"bookmark_id" validate:"required"`
	Type       SearchIndexOp `json:"type" validate:"required,oneof=upsert delete"`
}

// AssetPreprocessingPayload drives post-ingest asset fixing (PDF validation,
// page counts). FixMode re-runs preprocessing over existing assets.
type AssetPreprocessingPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	FixMode    bool   `json:"fix_mode,omitempty"`
}

// VideoPayload drives the video extraction handler
type VideoPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

// WebhookEvent enumerates deliverable bookmark events
type WebhookEvent string

const (
	WebhookEventCreated WebhookEvent = "created"
	WebhookEventEdited  WebhookEvent = "edited"
	WebhookEventCrawled WebhookEvent = "crawled"
	WebhookEventDeleted WebhookEvent = "deleted"
)

// WebhookPayload drives outbound webhook delivery
type WebhookPayload struct {
	BookmarkID string       `json:"bookmark_id" validate:"required"`
	Event      WebhookEvent `json:"event" validate:"required,oneof=created edited crawled deleted"`
	UserID     string       `json:"user_id,omitempty"`
}

// RuleEngineEvent is one event for rule evaluation
type RuleEngineEvent struct {
	Type string `json:"type" validate:"required"`
}

// RuleEnginePayload drives rule evaluation for a bookmark
type RuleEnginePayload struct {
	BookmarkID string            `json:"bookmark_id" validate:"required"`
	Events     []RuleEngineEvent `json:"events" validate:"required,min=1,dive"`
}

// AssetCleanupPayload deletes superseded asset blobs outside the phase-2
// transaction that replaced them
type AssetCleanupPayload struct {
	AssetIDs []string `json:"asset_ids" validate:"required,min=1"`
}
