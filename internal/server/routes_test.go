package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/app"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/metrics"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	"github.com/ternarybob/stash/internal/services/bookmarks"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// newTestServer builds the route surface over a real badger-backed app core,
// without the browser, workers, or cron
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstorage.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "server-test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	queues := queue.NewManager(storage.QueueStorage(), logger, time.Second, time.Minute)
	for _, name := range []string{
		models.QueueCrawl,
		models.QueueInference,
		models.QueueSearchIndex,
		models.QueueAssetPreprocessing,
		models.QueueVideo,
		models.QueueWebhook,
		models.QueueRuleEngine,
		models.QueueAssetCleanup,
	} {
		require.NoError(t, queues.Register(queue.Descriptor{
			Name:    name,
			Timeout: time.Minute,
		}))
	}

	registry := prometheus.NewRegistry()
	application := &app.App{
		Config:    &common.Config{},
		Logger:    logger,
		Storage:   storage,
		Queues:    queues,
		Registry:  registry,
		Metrics:   metrics.New(registry),
		Bookmarks: bookmarks.NewService(storage.BookmarkStorage(), storage.AssetStorage(), queues, logger),
	}
	return &Server{app: application, router: nil}
}

func (s *Server) serve(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.serve(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	s := newTestServer(t)
	s.app.Metrics.RecordWorkerOutcome("crawl", "completed")

	rec := s.serve(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker_stats")
}

func TestCreateBookmarkEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"user_id": "user-1",
		"url":     "https://example.com/article",
		"tags":    []string{"reading"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var b models.Bookmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, "https://example.com/article", b.URL)
	assert.Equal(t, models.BookmarkTypeLink, b.Type)

	// Same URL again conflicts and returns the existing row
	rec = s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"user_id": "user-1",
		"url":     "https://example.com/article",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var dup models.Bookmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, b.ID, dup.ID)
}

func TestCreateBookmarkRejectsMissingUser(t *testing.T) {
	s := newTestServer(t)
	rec := s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"url": "https://example.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteBookmarkEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"user_id": "user-1",
		"url":     "https://example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var b models.Bookmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))

	rec = s.serve(t, http.MethodDelete, "/api/bookmarks/"+b.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.serve(t, http.MethodDelete, "/api/bookmarks/"+b.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryEndpointRejectsNonFailedCrawl(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"user_id": "user-1",
		"url":     "https://example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var b models.Bookmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))

	rec = s.serve(t, http.MethodPost, fmt.Sprintf("/api/bookmarks/%s/retry", b.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(t, http.MethodPost, "/api/bookmarks", map[string]interface{}{
		"user_id": "user-1",
		"url":     "https://example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.serve(t, http.MethodGet, "/api/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats[models.QueueCrawl].Pending)
	assert.Equal(t, 1, stats[models.QueueWebhook].Pending)
}

func TestImportSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.serve(t, http.MethodPost, "/api/imports", map[string]interface{}{
		"user_id": "user-1",
		"name":    "pocket export",
		"items": []map[string]interface{}{
			{"url": "https://example.com/a"},
			{"url": "https://example.com/b", "tags": []string{"imported"}},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var session models.ImportSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, models.ImportSessionPending, session.Status)

	rec = s.serve(t, http.MethodGet, "/api/imports/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Session models.ImportSession `json:"session"`
		Items   map[string]int       `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Items["pending"])

	rec = s.serve(t, http.MethodPost, "/api/imports/"+session.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Pausing a paused session conflicts
	rec = s.serve(t, http.MethodPost, "/api/imports/"+session.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.serve(t, http.MethodPost, "/api/imports/"+session.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed models.ImportSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, models.ImportSessionPending, resumed.Status)
}

func TestImportRequiresItems(t *testing.T) {
	s := newTestServer(t)
	rec := s.serve(t, http.MethodPost, "/api/imports", map[string]interface{}{
		"user_id": "user-1",
		"items":   []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
