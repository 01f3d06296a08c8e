// -----------------------------------------------------------------------
// Routes - Health, metrics, and the minimal ingest API
// -----------------------------------------------------------------------

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/services/bookmarks"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/version", s.versionHandler)
	mux.HandleFunc("/api/queues", s.queueStatsHandler)

	mux.HandleFunc("/api/bookmarks", s.handleBookmarksRoute)
	mux.HandleFunc("/api/bookmarks/", s.handleBookmarkRoutes)

	mux.HandleFunc("/api/imports", s.handleImportsRoute)
	mux.HandleFunc("/api/imports/", s.handleImportRoutes)

	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// queueStatsHandler reports per-queue depth counters
func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := make(map[string]*models.QueueStats)
	for _, name := range s.app.Queues.Queues() {
		qs, err := s.app.Queues.Stats(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats[name] = qs
	}
	writeJSON(w, http.StatusOK, stats)
}

// createBookmarkRequest is the ingest body for POST /api/bookmarks
type createBookmarkRequest struct {
	UserID          string   `json:"user_id"`
	Type            string   `json:"type"`
	URL             string   `json:"url,omitempty"`
	Text            string   `json:"text,omitempty"`
	SourceURL       string   `json:"source_url,omitempty"`
	Title           string   `json:"title,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ListIDs         []string `json:"list_ids,omitempty"`
	ArchiveFullPage bool     `json:"archive_full_page,omitempty"`
	StorePDF        bool     `json:"store_pdf,omitempty"`
	SkipInference   bool     `json:"skip_inference,omitempty"`
}

func (s *Server) handleBookmarksRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	bookmarkType := models.BookmarkType(req.Type)
	if req.Type == "" {
		bookmarkType = models.BookmarkTypeLink
	}

	b, err := s.app.Bookmarks.Create(r.Context(), &bookmarks.CreateRequest{
		UserID:          req.UserID,
		Type:            bookmarkType,
		URL:             req.URL,
		Text:            req.Text,
		SourceURL:       req.SourceURL,
		Title:           req.Title,
		Tags:            req.Tags,
		ListIDs:         req.ListIDs,
		ArchiveFullPage: req.ArchiveFullPage,
		StorePDF:        req.StorePDF,
		SkipInference:   req.SkipInference,
	})
	switch {
	case errors.Is(err, bookmarks.ErrDuplicateURL):
		writeJSON(w, http.StatusConflict, b)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusCreated, b)
	}
}

// handleBookmarkRoutes serves DELETE /api/bookmarks/{id} and
// POST /api/bookmarks/{id}/retry
func (s *Server) handleBookmarkRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bookmarks/")
	if rest == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(rest, "/retry") {
		id := strings.TrimSuffix(rest, "/retry")
		if err := s.app.Bookmarks.RetryCrawl(r.Context(), id); err != nil {
			if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
				http.Error(w, "Bookmark not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.app.Bookmarks.Delete(r.Context(), rest); err != nil {
			if errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
				http.Error(w, "Bookmark not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// createImportRequest stages one bulk-import session
type createImportRequest struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	RootListID string `json:"root_list_id,omitempty"`
	Items      []struct {
		Type    string   `json:"type,omitempty"`
		URL     string   `json:"url,omitempty"`
		Content string   `json:"content,omitempty"`
		Title   string   `json:"title,omitempty"`
		Tags    []string `json:"tags,omitempty"`
		ListIDs []string `json:"list_ids,omitempty"`
	} `json:"items"`
}

func (s *Server) handleImportsRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items must not be empty", http.StatusBadRequest)
		return
	}

	store := s.app.Storage.ImportStorage()
	now := time.Now()
	session := &models.ImportSession{
		ID:         common.NewSessionID(),
		UserID:     req.UserID,
		Name:       req.Name,
		RootListID: req.RootListID,
		Status:     models.ImportSessionStaging,
		CreatedAt:  now,
	}
	if err := store.SaveSession(r.Context(), session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for _, item := range req.Items {
		itemType := models.BookmarkType(item.Type)
		if item.Type == "" {
			itemType = models.BookmarkTypeLink
		}
		row := &models.ImportStagingItem{
			ID:        common.NewImportItemID(),
			SessionID: session.ID,
			Type:      itemType,
			URL:       item.URL,
			Content:   item.Content,
			Title:     item.Title,
			Tags:      item.Tags,
			ListIDs:   item.ListIDs,
			CreatedAt: now,
			Status:    models.ImportItemPending,
		}
		if err := store.SaveItem(r.Context(), row); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	// Staged rows are in place; release the session to the controller
	session.Status = models.ImportSessionPending
	if err := store.SaveSession(r.Context(), session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.app.Logger.Info().
		Str("session_id", session.ID).
		Str("user_id", session.UserID).
		Int("items", len(req.Items)).
		Msg("Import session staged")
	writeJSON(w, http.StatusAccepted, session)
}

// handleImportRoutes serves GET /api/imports/{id} and the pause/resume flips
func (s *Server) handleImportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/imports/")
	if rest == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	store := s.app.Storage.ImportStorage()

	if r.Method == http.MethodPost && strings.HasSuffix(rest, "/pause") {
		s.flipSessionStatus(w, r, strings.TrimSuffix(rest, "/pause"),
			models.ImportSessionPaused, models.ImportSessionPending, models.ImportSessionRunning)
		return
	}
	if r.Method == http.MethodPost && strings.HasSuffix(rest, "/resume") {
		s.flipSessionStatus(w, r, strings.TrimSuffix(rest, "/resume"),
			models.ImportSessionPending, models.ImportSessionPaused)
		return
	}

	if r.Method == http.MethodGet {
		session, err := store.GetSession(r.Context(), rest)
		if err != nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}

		counts := make(map[string]int)
		for _, status := range []models.ImportItemStatus{
			models.ImportItemPending,
			models.ImportItemProcessing,
			models.ImportItemCompleted,
			models.ImportItemFailed,
		} {
			n, err := store.CountItemsByStatus(r.Context(), session.ID, status)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			counts[string(status)] = n
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session": session,
			"items":   counts,
		})
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// flipSessionStatus moves a session to target when its current status is one
// of the allowed origins
func (s *Server) flipSessionStatus(w http.ResponseWriter, r *http.Request, id string, target models.ImportSessionStatus, from ...models.ImportSessionStatus) {
	store := s.app.Storage.ImportStorage()
	session, err := store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	allowed := false
	for _, status := range from {
		if session.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		http.Error(w, "Session status is "+string(session.Status), http.StatusConflict)
		return
	}

	session.Status = target
	if err := store.SaveSession(r.Context(), session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
