package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-app/keepsake/internal/enrich"
	"github.com/keepsake-app/keepsake/internal/shareinbox"
	"github.com/keepsake-app/keepsake/internal/sink"
)

// flakySink wraps the in-memory sink with switchable failures.
type flakySink struct {
	*sink.MemorySink
	failCreate bool
	failQuery  bool
}

func (s *flakySink) CreateEntity(ctx context.Context, entity sink.Entity) (string, error) {
	if s.failCreate {
		return "", errors.New("backend down")
	}
	return s.MemorySink.CreateEntity(ctx, entity)
}

func (s *flakySink) Query(ctx context.Context, collection string, filter sink.Filter, limit int) ([]sink.Entity, error) {
	if s.failQuery {
		return nil, errors.New("backend down")
	}
	return s.MemorySink.Query(ctx, collection, filter, limit)
}

type stubEnricher struct {
	meta enrich.Metadata
	err  error
}

func (e stubEnricher) Fetch(context.Context, string) (enrich.Metadata, error) {
	return e.meta, e.err
}

type harness struct {
	queue    *shareinbox.MemoryQueue
	sink     *flakySink
	importer *Importer
	events   []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		queue: shareinbox.NewMemoryQueue(),
		sink:  &flakySink{MemorySink: sink.NewMemorySink()},
	}
	if opts.Queue == nil {
		opts.Queue = h.queue
	}
	if opts.Sink == nil {
		opts.Sink = h.sink
	}
	if opts.UserID == "" {
		opts.UserID = "user-1"
	}
	opts.OnEvent = func(event Event) { h.events = append(h.events, event) }
	im, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.importer = im
	return h
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	return n
}

func (h *harness) entities(t *testing.T) []sink.Entity {
	t.Helper()
	out, err := h.sink.MemorySink.Query(context.Background(), defaultCollection, sink.Filter{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return out
}

func TestImportTextRecord(t *testing.T) {
	historyPath := filepath.Join(t.TempDir(), "history.json")
	history, err := shareinbox.NewHistory(historyPath, nil)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	h := newHarness(t, Options{History: history})

	record := shareinbox.NewRecord(shareinbox.TextPayload{Text: "note to self"}, "a caption", "com.example.notes")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entities := h.entities(t)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	entity := entities[0]
	if entity.Kind != "text" || entity.Fields["text"] != "note to self" {
		t.Fatalf("unexpected entity: %+v", entity)
	}
	if entity.Fields["caption"] != "a caption" || entity.Fields["sourceApp"] != "com.example.notes" {
		t.Fatalf("caption/source not carried: %+v", entity.Fields)
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("record not acked")
	}

	entries, err := history.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != record.ID {
		t.Fatalf("history entries: %+v", entries)
	}
	if len(h.events) != 1 || h.events[0].Type != EventImported {
		t.Fatalf("events: %+v", h.events)
	}
}

func TestImportURLDeduplicatesWithinWindow(t *testing.T) {
	h := newHarness(t, Options{
		Enricher:    stubEnricher{meta: enrich.Metadata{Title: "A Page"}},
		DedupWindow: time.Minute,
	})

	first := shareinbox.NewRecord(shareinbox.URLPayload{URL: "https://example.com/x"}, "", "")
	second := shareinbox.NewRecord(shareinbox.URLPayload{URL: "https://example.com/x"}, "", "")
	for _, record := range []shareinbox.Record{first, second} {
		if err := h.queue.Append(record); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entities := h.entities(t)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1 after dedup", len(entities))
	}
	if entities[0].Fields["title"] != "A Page" {
		t.Fatalf("title = %v", entities[0].Fields["title"])
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("duplicate record not acked")
	}

	status := h.importer.Status()
	if status.Imported != 1 || status.Skipped != 1 {
		t.Fatalf("imported=%d skipped=%d", status.Imported, status.Skipped)
	}
}

func TestImportURLEnrichmentFailureSavesBareURL(t *testing.T) {
	h := newHarness(t, Options{
		Enricher: stubEnricher{err: errors.New("timeout")},
	})
	record := shareinbox.NewRecord(shareinbox.URLPayload{URL: "https://example.com/slow"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entities := h.entities(t)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	if entities[0].Fields["title"] != "https://example.com/slow" {
		t.Fatalf("title = %v, want bare url", entities[0].Fields["title"])
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("record not acked despite enrichment failure")
	}
}

func TestSinkFailureLeavesRecordPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.failCreate = true

	record := shareinbox.NewRecord(shareinbox.TextPayload{Text: "keep me"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 1 {
		t.Fatal("failed record must stay pending")
	}
	if len(h.entities(t)) != 0 {
		t.Fatal("no entity should exist after create failure")
	}

	// Backend recovers: the next pass imports exactly once.
	h.sink.failCreate = false
	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("record not acked after recovery")
	}
	if len(h.entities(t)) != 1 {
		t.Fatalf("got %d entities, want exactly 1", len(h.entities(t)))
	}
}

func TestDedupQueryFailureLeavesRecordPending(t *testing.T) {
	h := newHarness(t, Options{})
	h.sink.failQuery = true

	record := shareinbox.NewRecord(shareinbox.URLPayload{URL: "https://example.com"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 1 {
		t.Fatal("record must stay pending when duplicate check fails")
	}
	if len(h.entities(t)) != 0 {
		t.Fatal("entity created despite failed duplicate check")
	}
}

func TestMissingStagedImageStaysPending(t *testing.T) {
	media, err := NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	h := newHarness(t, Options{Media: media})

	record := shareinbox.NewRecord(shareinbox.ImagePayload{
		ImageURI: filepath.Join(t.TempDir(), "gone.jpg"),
		Filename: "gone.jpg",
	}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 1 {
		t.Fatal("record with missing media must stay pending")
	}
	if len(h.entities(t)) != 0 {
		t.Fatal("no entity should exist for missing media")
	}
	if len(h.events) != 1 || h.events[0].Type != EventFailed {
		t.Fatalf("events: %+v", h.events)
	}
}

func TestImportImageMovesStagedFile(t *testing.T) {
	mediaDir := t.TempDir()
	media, err := NewMediaStore(mediaDir)
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	h := newHarness(t, Options{Media: media})

	staged := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(staged, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("seed staged file: %v", err)
	}
	record := shareinbox.NewRecord(shareinbox.ImagePayload{ImageURI: staged, Filename: "photo.jpg"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entities := h.entities(t)
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	permanentPath, _ := entities[0].Fields["imagePath"].(string)
	if filepath.Dir(permanentPath) != mediaDir {
		t.Fatalf("imagePath outside media dir: %q", permanentPath)
	}
	data, err := os.ReadFile(permanentPath)
	if err != nil {
		t.Fatalf("read permanent copy: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Fatalf("permanent bytes mismatch: %q", data)
	}
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged file not deleted: %v", err)
	}
}

func TestProcessedRecordIsForceAcked(t *testing.T) {
	h := newHarness(t, Options{})
	record := shareinbox.NewRecord(shareinbox.TextPayload{Text: "already done"}, "", "")
	record.Processed = true
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("processed record not removed")
	}
	if len(h.entities(t)) != 0 {
		t.Fatal("processed record must not create an entity")
	}
	status := h.importer.Status()
	if status.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", status.Skipped)
	}
}

func TestSessionGuardForceAcksReappearingRecord(t *testing.T) {
	h := newHarness(t, Options{})
	record := shareinbox.NewRecord(shareinbox.TextPayload{Text: "once only"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// The same record resurfaces from a stale queue read; it must be acked
	// without a second import.
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("re-Append: %v", err)
	}
	if err := h.importer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if h.pendingCount(t) != 0 {
		t.Fatal("reappearing record not force-acked")
	}
	if len(h.entities(t)) != 1 {
		t.Fatalf("got %d entities, want 1", len(h.entities(t)))
	}
}

func TestStatusReportsQueueDepth(t *testing.T) {
	h := newHarness(t, Options{})
	old := shareinbox.NewRecord(shareinbox.TextPayload{Text: "old"}, "", "")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := h.queue.Append(old); err != nil {
		t.Fatalf("Append: %v", err)
	}

	status := h.importer.Status()
	if status.Pending != 1 {
		t.Fatalf("Pending = %d", status.Pending)
	}
	if status.OldestPendingAge < 59*time.Minute {
		t.Fatalf("OldestPendingAge = %v", status.OldestPendingAge)
	}
	if status.Degraded {
		t.Fatal("memory queue should not report degraded")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Options{Interval: 10 * time.Millisecond})
	record := shareinbox.NewRecord(shareinbox.TextPayload{Text: "looped"}, "", "")
	if err := h.queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := h.importer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.importer.Start(context.Background()); err == nil {
		t.Fatal("double Start must error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.queue.Len(); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.importer.Stop()

	if n, _ := h.queue.Len(); n != 0 {
		t.Fatal("loop never drained the queue")
	}
	if status := h.importer.Status(); status.Running {
		t.Fatal("Status still running after Stop")
	}
}
