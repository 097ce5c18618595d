package shareinbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Writer is the extension-side entry point. The host process may be killed
// the instant control returns to the OS, so Submit does the minimum durable
// work and nothing else: no network, no UI.
type Writer struct {
	queue        PendingQueue
	containerDir string
	logger       Logger
	now          func() time.Time
	newID        func() string
}

type SubmitOptions struct {
	Caption   string
	SourceApp string
}

type SubmitResult struct {
	ID string
	// Degraded is true when the record landed in the app-local fallback
	// store, which the importing process cannot observe.
	Degraded bool
	// StagedPath is the shared-container copy of a binary payload, empty
	// for url/text shares.
	StagedPath string
}

// NewWriter builds a writer over an opened queue. containerDir is the shared
// container root for staging binary payloads; pass "" when the queue is the
// degraded local fallback.
func NewWriter(queue PendingQueue, containerDir string, logger Logger) *Writer {
	return &Writer{
		queue:        queue,
		containerDir: strings.TrimSpace(containerDir),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        NewRecordID,
	}
}

// Submit normalizes one inbound share into a record, stages its binary
// payload into the shared container when there is one, and appends the
// record to the pending queue. It returns the generated record id.
func (w *Writer) Submit(ctx context.Context, payload Payload, opts SubmitOptions) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	record := Record{
		ID:        w.newID(),
		CreatedAt: w.now(),
		Caption:   strings.TrimSpace(opts.Caption),
		SourceApp: strings.TrimSpace(opts.SourceApp),
		Payload:   payload,
	}
	if err := record.Validate(); err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{ID: record.ID, Degraded: !w.queue.Shared()}
	staged, err := w.stagePayload(&record)
	if err != nil {
		return SubmitResult{}, err
	}
	result.StagedPath = staged

	if err := w.queue.Append(record); err != nil {
		if staged != "" {
			_ = os.Remove(staged)
		}
		return SubmitResult{}, err
	}
	if result.Degraded {
		logf(w.logger, "shareinbox: share %s written to degraded local store at %s", record.ID, w.queue.Location())
	}
	return result, nil
}

// stagePayload copies a local binary file into the shared container under a
// name derived from the record id, so the bytes survive extension teardown
// and are reachable by the importing process. The payload URI is rewritten
// to the staged copy.
func (w *Writer) stagePayload(record *Record) (string, error) {
	var uri, filename string
	switch p := record.Payload.(type) {
	case ImagePayload:
		uri, filename = p.ImageURI, p.Filename
	case VideoPayload:
		uri, filename = p.VideoURI, p.Filename
	default:
		return "", nil
	}
	src := localPathFromURI(uri)
	if src == "" {
		return "", nil
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("shared media %s: %w", src, err)
	}
	if w.containerDir == "" {
		// Degraded mode: nowhere shared to stage into. The record keeps its
		// original URI so nothing is lost if the caller retries later.
		logf(w.logger, "shareinbox: no shared container, leaving media for %s at %s", record.ID, src)
		return "", nil
	}

	mediaDir := filepath.Join(w.containerDir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return "", err
	}
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = filepath.Ext(src)
	}
	dst := filepath.Join(mediaDir, record.ID+ext)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	switch p := record.Payload.(type) {
	case ImagePayload:
		p.ImageURI = dst
		record.Payload = p
	case VideoPayload:
		p.VideoURI = dst
		record.Payload = p
	}
	return dst, nil
}

func localPathFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	return strings.TrimPrefix(uri, "file://")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
