// Package httpapi exposes the local operator API of the import daemon:
// inspect the pending queue, trigger a pass, review recent imports, and
// stream outcome events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keepsake-app/keepsake/internal/importer"
	"github.com/keepsake-app/keepsake/internal/shareinbox"
)

type ServerConfig struct {
	// AuthToken protects every route except /health. Empty disables auth,
	// for loopback-only deployments.
	AuthToken    string
	MaxBodyBytes int64
}

type Server struct {
	importer *importer.Importer
	queue    shareinbox.PendingQueue
	history  *shareinbox.History
	feed     *feedHub
	cfg      ServerConfig
}

func NewServer(imp *importer.Importer, queue shareinbox.PendingQueue, history *shareinbox.History, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		importer: imp,
		queue:    queue,
		history:  history,
		feed:     newFeedHub(),
		cfg:      cfg,
	}
}

// Publish forwards one importer event to all connected feed subscribers.
// Wire it to importer.Options.OnEvent.
func (s *Server) Publish(event importer.Event) {
	s.feed.publish(event)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	switch {
	case r.URL.Path == "/v1/inbox/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/inbox/pending" && r.Method == http.MethodGet:
		s.handlePending(w, correlationID)
	case r.URL.Path == "/v1/inbox/history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, correlationID)
	case r.URL.Path == "/v1/inbox/import" && r.Method == http.MethodPost:
		s.handleImport(w, r, correlationID)
	case strings.HasPrefix(r.URL.Path, "/v1/inbox/pending/") && r.Method == http.MethodDelete:
		s.handleDiscard(w, strings.TrimPrefix(r.URL.Path, "/v1/inbox/pending/"), correlationID)
	case r.URL.Path == "/v1/inbox/feed" && r.Method == http.MethodGet:
		s.handleFeed(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.importer.Status()
	writeJSON(w, http.StatusOK, struct {
		importer.Status
		GeneratedAt string `json:"generatedAt"`
	}{
		Status:      status,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, correlationID string) {
	records, err := s.queue.ReadPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Location string              `json:"location"`
		Shared   bool                `json:"shared"`
		Count    int                 `json:"count"`
		Records  []shareinbox.Record `json:"records"`
	}{
		Location: s.queue.Location(),
		Shared:   s.queue.Shared(),
		Count:    len(records),
		Records:  records,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, struct {
			Entries []shareinbox.HistoryEntry `json:"entries"`
		}{Entries: []shareinbox.HistoryEntry{}})
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 50)
	entries, err := s.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []shareinbox.HistoryEntry `json:"entries"`
	}{Entries: entries})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.importer.RunOnce(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, s.importer.Status())
}

func (s *Server) handleDiscard(w http.ResponseWriter, id, correlationID string) {
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing record id", correlationID)
		return
	}
	records, err := s.queue.ReadPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	found := false
	for _, record := range records {
		if record.ID == id {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "record not pending", correlationID)
		return
	}
	if err := s.queue.Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "discarded"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]string{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// getCorrelationID returns the caller-supplied X-Correlation-Id, or mints one
// so every response and log line stays traceable even for bare curl calls.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("inbox_%d", time.Now().UnixNano())
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
