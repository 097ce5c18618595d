package shareinbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const historyLimit = 50

// HistoryEntry summarizes one successfully imported share for the recent
// activity view.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Caption    string    `json:"caption,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	ImportedAt time.Time `json:"importedAt"`
}

// History is an app-local, bounded log of completed imports. It is advisory
// UI state, not part of the durable hand-off contract, so a corrupt file is
// reset rather than quarantined.
type History struct {
	path   string
	logger Logger
	mu     sync.Mutex
}

func NewHistory(path string, logger Logger) (*History, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &History{path: path, logger: logger}, nil
}

// Append records one import, keeping only the most recent entries.
func (h *History) Append(entry HistoryEntry) error {
	if entry.ID == "" {
		return ErrInvalidInput
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.readLocked()
	entries = append(entries, entry)
	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}
	return h.writeLocked(entries)
}

// Recent returns up to limit entries, newest first. limit <= 0 means all.
func (h *History) Recent(limit int) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.readLocked()
	out := make([]HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (h *History) readLocked() []HistoryEntry {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logf(h.logger, "shareinbox: history unreadable, starting empty: %v", err)
		}
		return []HistoryEntry{}
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logf(h.logger, "shareinbox: history corrupt, resetting: %v", err)
		return []HistoryEntry{}
	}
	return entries
}

func (h *History) writeLocked(entries []HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp", h.path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}
