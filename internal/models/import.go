// -----------------------------------------------------------------------
// Import Session + Staging Item - Staged bulk-import entities
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// ImportSessionStatus is the session state machine:
// staging -> pending -> running -> paused <-> pending -> completed
type ImportSessionStatus string

const (
	ImportSessionStaging   ImportSessionStatus = "staging"
	ImportSessionPending   ImportSessionStatus = "pending"
	ImportSessionRunning   ImportSessionStatus = "running"
	ImportSessionPaused    ImportSessionStatus = "paused"
	ImportSessionCompleted ImportSessionStatus = "completed"
)

// ImportSession groups a batch of staged bookmarks for one user
type ImportSession struct {
	ID              string              `json:"id" badgerhold:"key"`
	UserID          string              `json:"user_id" badgerhold:"index"`
	Name            string              `json:"name"`
	RootListID      string              `json:"root_list_id,omitempty"`
	Status          ImportSessionStatus `json:"status" badgerhold:"index"`
	CreatedAt       time.Time           `json:"created_at"`
	LastProcessedAt time.Time           `json:"last_processed_at"`
}

// ImportItemStatus is the per-item state machine
type ImportItemStatus string

const (
	ImportItemPending    ImportItemStatus = "pending"
	ImportItemProcessing ImportItemStatus = "processing"
	ImportItemCompleted  ImportItemStatus = "completed"
	ImportItemFailed     ImportItemStatus = "failed"
)

// ImportItemResult records why an item reached its terminal state
type ImportItemResult string

const (
	ImportResultAccepted         ImportItemResult = "accepted"
	ImportResultSkippedDuplicate ImportItemResult = "skipped_duplicate"
	ImportResultRejected         ImportItemResult = "rejected"
)

// ImportStagingItem is one staged bookmark candidate inside a session
type ImportStagingItem struct {
	ID        string       `json:"id" badgerhold:"key"`
	SessionID string       `json:"session_id" badgerhold:"index"`
	Type      BookmarkType `json:"type"`
	URL       string       `json:"url,omitempty"`
	Content   string       `json:"content,omitempty"`
	Title     string       `json:"title,omitempty"`
	Tags      []string     `json:"tags,omitempty"`
	ListIDs   []string     `json:"list_ids,omitempty"`
	CreatedAt time.Time    `json:"created_at"`

	Status              ImportItemStatus `json:"status" badgerhold:"index"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	Result              ImportItemResult `json:"result,omitempty"`
	ResultReason        string           `json:"result_reason,omitempty"`
	ResultBookmarkID    string           `json:"result_bookmark_id,omitempty"`
}

// IsTerminal reports whether the item has settled
func (i *ImportStagingItem) IsTerminal() bool {
	return i.Status == ImportItemCompleted || i.Status == ImportItemFailed
}
