package shareinbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	history, err := NewHistory(filepath.Join(t.TempDir(), "history.json"), nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	for i := 0; i < 3; i++ {
		err := history.Append(HistoryEntry{
			ID:         fmt.Sprintf("rec-%d", i),
			Kind:       KindText,
			ImportedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := history.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(entries))
	}
	if entries[0].ID != "rec-2" || entries[1].ID != "rec-1" {
		t.Fatalf("entries not newest-first: %+v", entries)
	}
}

func TestHistoryBounded(t *testing.T) {
	history, err := NewHistory(filepath.Join(t.TempDir(), "history.json"), nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	for i := 0; i < historyLimit+10; i++ {
		if err := history.Append(HistoryEntry{ID: fmt.Sprintf("rec-%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := history.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != historyLimit {
		t.Fatalf("history holds %d entries, want %d", len(entries), historyLimit)
	}
	if entries[0].ID != fmt.Sprintf("rec-%d", historyLimit+9) {
		t.Fatalf("newest entry is %s", entries[0].ID)
	}
}

func TestHistoryCorruptFileResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	history, err := NewHistory(path, nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	entries, err := history.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected reset history, got %+v", entries)
	}
	if err := history.Append(HistoryEntry{ID: "fresh"}); err != nil {
		t.Fatalf("Append after reset: %v", err)
	}
}
