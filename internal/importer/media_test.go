package importer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMediaStoreStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMediaStore(dir)
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}

	staged := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(staged, []byte("clip bytes"), 0o644); err != nil {
		t.Fatalf("seed staged file: %v", err)
	}

	dst, err := store.Store("rec-1", staged, "clip.mov")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if dst != filepath.Join(dir, "rec-1.mov") {
		t.Fatalf("dst = %q", dst)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(data) != "clip bytes" {
		t.Fatalf("copied bytes mismatch: %q", data)
	}
	// Source stays in place; the importer deletes it after the ack.
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged source removed early: %v", err)
	}
}

func TestMediaStoreExtensionFallback(t *testing.T) {
	store, err := NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	staged := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(staged, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed staged file: %v", err)
	}
	dst, err := store.Store("rec-2", staged, "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if filepath.Ext(dst) != ".jpg" {
		t.Fatalf("extension not taken from staged path: %q", dst)
	}
}

func TestMediaStoreMissingSource(t *testing.T) {
	store, err := NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	if _, err := store.Store("rec-3", "/nonexistent", "a.jpg"); err == nil {
		t.Fatal("expected error for missing source")
	}
}
