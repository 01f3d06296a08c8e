// -----------------------------------------------------------------------
// Search Engine interface - the external full-text index the batcher
// talks to
// -----------------------------------------------------------------------

package search

import "context"

// Document is one bookmark as the search engine sees it
type Document struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	URL         string   `json:"url,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Engine is the external search collaborator. Both calls are batch-shaped;
// a returned error fails every document in the batch.
type Engine interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
}
