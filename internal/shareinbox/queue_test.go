package shareinbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFileQueue(t *testing.T) *FileQueue {
	t.Helper()
	queue, err := NewFileQueue(filepath.Join(t.TempDir(), "pending-queue.json"), nil)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	return queue
}

func TestFileQueueMissingFileReadsEmpty(t *testing.T) {
	queue := newTestFileQueue(t)
	records, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty queue, got %d records", len(records))
	}
}

func TestFileQueueAppendAndRemove(t *testing.T) {
	queue := newTestFileQueue(t)
	record := NewRecord(URLPayload{URL: "https://example.com"}, "", "")

	if err := queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Duplicate id is a no-op.
	if err := queue.Append(record); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}
	if n, _ := queue.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}

	if err := queue.Remove(record.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Removing an absent id must stay a no-op so acks are idempotent.
	if err := queue.Remove(record.ID); err != nil {
		t.Fatalf("Remove absent id: %v", err)
	}
	if n, _ := queue.Len(); n != 0 {
		t.Fatalf("Len after remove = %d, want 0", n)
	}
}

func TestFileQueueMarkProcessed(t *testing.T) {
	queue := newTestFileQueue(t)
	record := NewRecord(TextPayload{Text: "persist me"}, "", "")
	if err := queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := queue.MarkProcessed(record.ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	records, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(records) != 1 || !records[0].Processed {
		t.Fatalf("processed flag not persisted: %+v", records)
	}
	// Marking an absent id is a no-op.
	if err := queue.MarkProcessed("missing"); err != nil {
		t.Fatalf("MarkProcessed absent id: %v", err)
	}
}

func TestFileQueueMarkProcessedKeepsOtherHandleWrites(t *testing.T) {
	// Two handles on one file stand in for the two processes sharing the
	// container. A record appended through one handle must survive a
	// MarkProcessed issued through the other: the flag flip is a single
	// locked read-modify-write, never a stale whole-list rewrite.
	path := filepath.Join(t.TempDir(), "pending-queue.json")
	importerSide, err := NewFileQueue(path, nil)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}
	writerSide, err := NewFileQueue(path, nil)
	if err != nil {
		t.Fatalf("NewFileQueue: %v", err)
	}

	imported := NewRecord(TextPayload{Text: "persisted"}, "", "")
	if err := importerSide.Append(imported); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fresh := NewRecord(URLPayload{URL: "https://example.com/new"}, "", "")
	if err := writerSide.Append(fresh); err != nil {
		t.Fatalf("concurrent Append: %v", err)
	}

	if err := importerSide.MarkProcessed(imported.ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	records, err := writerSide.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("concurrent append lost: queue now %+v", records)
	}
	byID := map[string]Record{}
	for _, record := range records {
		byID[record.ID] = record
	}
	if !byID[imported.ID].Processed {
		t.Fatal("processed flag not set")
	}
	if _, ok := byID[fresh.ID]; !ok {
		t.Fatal("fresh record missing after MarkProcessed")
	}
	if byID[fresh.ID].Processed {
		t.Fatal("fresh record wrongly marked processed")
	}
}

func TestFileQueueWriteThenReadIsStable(t *testing.T) {
	queue := newTestFileQueue(t)
	records := []Record{
		NewRecord(TextPayload{Text: "first"}, "a caption", "com.example.notes"),
		NewRecord(ImagePayload{ImageURI: "/shared/media/a.jpg", Filename: "a.jpg"}, "", ""),
	}
	if err := queue.WritePending(records); err != nil {
		t.Fatalf("WritePending: %v", err)
	}
	got, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i].ID != records[i].ID || got[i].Payload != records[i].Payload {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, got[i], records[i])
		}
	}
}

func TestFileQueueCorruptFileIsQuarantined(t *testing.T) {
	queue := newTestFileQueue(t)
	if err := os.WriteFile(queue.Location(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	records, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending on corrupt file: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty read, got %d records", len(records))
	}

	entries, err := os.ReadDir(filepath.Dir(queue.Location()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".corrupt-") {
			found = true
		}
		if entry.Name() == filepath.Base(queue.Location()) {
			t.Fatalf("corrupt file left in place as %s", entry.Name())
		}
	}
	if !found {
		t.Fatal("quarantine file not created")
	}
}

func TestFileQueueSkipsInvalidRecords(t *testing.T) {
	queue := newTestFileQueue(t)
	doc := `[
		{"id":"good","type":"text","timestamp":"2026-03-14T09:26:53Z","data":{"text":"ok"},"processed":false},
		{"id":"","type":"text","timestamp":"2026-03-14T09:26:53Z","data":{"text":"no id"},"processed":false},
		{"id":"bad-kind","type":"audio","timestamp":"2026-03-14T09:26:53Z","data":{},"processed":false}
	]`
	if err := os.WriteFile(queue.Location(), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed queue file: %v", err)
	}
	records, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(records) != 1 || records[0].ID != "good" {
		t.Fatalf("expected only the valid record, got %+v", records)
	}
}

func TestSQLiteQueueRoundTrip(t *testing.T) {
	queue, err := NewSQLiteQueue(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	defer queue.Close()

	if queue.Shared() {
		t.Fatal("fallback store must report Shared() == false")
	}

	record := NewRecord(VideoPayload{VideoURI: "/tmp/clip.mov", Filename: "clip.mov"}, "", "")
	if err := queue.Append(record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := queue.ReadPending()
	if err != nil {
		t.Fatalf("ReadPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != record.ID {
		t.Fatalf("unexpected records: %+v", got)
	}
	if err := queue.Remove(record.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := queue.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}
