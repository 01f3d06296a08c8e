// -----------------------------------------------------------------------
// HTTP Engine - JSON client for the external search service
// -----------------------------------------------------------------------

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// HTTPEngine talks to the search service over its JSON document API.
// Upserts PUT a document batch; deletes POST the ID list.
type HTTPEngine struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  arbor.ILogger
}

// NewHTTPEngine creates the engine client. A nil http.Client gets a default
// with a 30s timeout.
func NewHTTPEngine(baseURL, apiKey string, client *http.Client, logger arbor.ILogger) (*HTTPEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("search engine URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEngine{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
	}, nil
}

// Upsert writes the document batch to the index
func (e *HTTPEngine) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := e.send(ctx, http.MethodPut, "/documents", docs); err != nil {
		return fmt.Errorf("search upsert failed: %w", err)
	}
	e.logger.Debug().Int("count", len(docs)).Msg("Search documents upserted")
	return nil
}

// Delete removes the IDs from the index
func (e *HTTPEngine) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.send(ctx, http.MethodPost, "/documents/delete", ids); err != nil {
		return fmt.Errorf("search delete failed: %w", err)
	}
	e.logger.Debug().Int("count", len(ids)).Msg("Search documents deleted")
	return nil
}

func (e *HTTPEngine) send(ctx context.Context, method, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine answered %d", resp.StatusCode)
	}
	return nil
}
