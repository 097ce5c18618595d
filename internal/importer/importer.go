// Package importer runs the main-app side of the share pipeline: it polls
// the pending queue, claims each record, persists it to the remote sink, and
// only then acknowledges it by removing it from the queue. Processing is
// at-least-once with idempotency guards; a crash between persist and ack is
// absorbed by the guards on the next pass, never by dropping work.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/keepsake-app/keepsake/internal/enrich"
	"github.com/keepsake-app/keepsake/internal/shareinbox"
	"github.com/keepsake-app/keepsake/internal/sink"
)

// Logger matches the stdlib *log.Logger surface.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		log.Printf(format, args...)
		return
	}
	logger.Printf(format, args...)
}

const (
	defaultInterval    = 30 * time.Second
	defaultDedupWindow = 30 * time.Second
	defaultCollection  = "entries"
)

// EventType labels the outcome of one record's pass through the importer.
type EventType string

const (
	EventImported EventType = "imported"
	EventSkipped  EventType = "skipped"
	EventFailed   EventType = "failed"
)

// Event is emitted after each record outcome, for the live operator feed.
type Event struct {
	Type     EventType       `json:"type"`
	RecordID string          `json:"recordId"`
	Kind     shareinbox.Kind `json:"kind"`
	EntityID string          `json:"entityId,omitempty"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

// Status is a point-in-time snapshot for the operator API.
type Status struct {
	Running          bool          `json:"running"`
	Degraded         bool          `json:"degraded"`
	Pending          int           `json:"pending"`
	OldestPendingAge time.Duration `json:"oldestPendingAge"`
	Imported         uint64        `json:"imported"`
	Skipped          uint64        `json:"skipped"`
	Failed           uint64        `json:"failed"`
	LastError        string        `json:"lastError,omitempty"`
	LastRunAt        time.Time     `json:"lastRunAt"`
}

type Options struct {
	Queue    shareinbox.PendingQueue
	Sink     sink.Sink
	Enricher enrich.Fetcher
	Media    *MediaStore
	History  *shareinbox.History

	UserID     string
	Collection string

	// Interval between poll passes. Defaults to 30s.
	Interval time.Duration
	// DedupWindow bounds the duplicate-URL lookback query. Defaults to 30s.
	DedupWindow time.Duration
	// Watch enables filesystem-triggered passes on shared file queues.
	Watch bool

	Logger Logger
	// OnEvent, when set, receives one Event per record outcome. Called from
	// the importer goroutine; keep it fast.
	OnEvent func(Event)

	now func() time.Time
}

// Importer drains the pending queue. One instance runs per app process; the
// claim guards below are process-local and reset on restart, which is safe
// because cross-restart duplicates are caught by the sink dedup query (for
// URLs) and by the queue ack that already removed finished records.
type Importer struct {
	opts Options

	mu sync.Mutex
	// processing holds records claimed by an in-flight pass so a slow pass
	// overlapping the next tick cannot double-import.
	processing map[string]struct{}
	// processedSession holds records fully imported during this process
	// lifetime; re-reads of a stale queue file force-ack them instead of
	// importing twice.
	processedSession map[string]struct{}

	running   bool
	cancel    context.CancelFunc
	doneCh    chan struct{}
	imported  uint64
	skipped   uint64
	failed    uint64
	lastErr   string
	lastRunAt time.Time
}

func New(opts Options) (*Importer, error) {
	if opts.Queue == nil {
		return nil, errors.New("importer: queue is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("importer: sink is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("importer: user id is required")
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	return &Importer{
		opts:             opts,
		processing:       map[string]struct{}{},
		processedSession: map[string]struct{}{},
	}, nil
}

// Start launches the poll loop. It returns immediately; Stop shuts the loop
// down between passes.
func (im *Importer) Start(ctx context.Context) error {
	im.mu.Lock()
	if im.running {
		im.mu.Unlock()
		return errors.New("importer: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	im.running = true
	im.cancel = cancel
	im.doneCh = make(chan struct{})
	im.mu.Unlock()

	var watcher *queueWatcher
	if im.opts.Watch && im.opts.Queue.Shared() {
		w, err := newQueueWatcher(im.opts.Queue.Location(), 0, im.opts.Logger)
		if err != nil {
			logf(im.opts.Logger, "importer: queue watch unavailable, polling only: %v", err)
		} else {
			watcher = w
		}
	}

	go im.loop(loopCtx, watcher)
	return nil
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (im *Importer) Stop() {
	im.mu.Lock()
	if !im.running {
		im.mu.Unlock()
		return
	}
	cancel := im.cancel
	done := im.doneCh
	im.mu.Unlock()

	cancel()
	<-done

	im.mu.Lock()
	im.running = false
	im.mu.Unlock()
}

func (im *Importer) loop(ctx context.Context, watcher *queueWatcher) {
	defer close(im.doneCh)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(im.opts.Interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if watcher != nil {
		wake = watcher.C()
	}

	// First pass immediately: anything left over from a previous run should
	// not wait out a full interval.
	if err := im.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logf(im.opts.Logger, "importer: pass failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := im.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf(im.opts.Logger, "importer: pass failed: %v", err)
		}
	}
}

// RunOnce performs one full pass over the pending queue.
func (im *Importer) RunOnce(ctx context.Context) error {
	im.mu.Lock()
	im.lastRunAt = im.opts.now()
	im.mu.Unlock()

	records, err := im.opts.Queue.ReadPending()
	if err != nil {
		im.noteError(err)
		return err
	}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		im.processRecord(ctx, record)
	}
	return nil
}

func (im *Importer) processRecord(ctx context.Context, record shareinbox.Record) {
	im.mu.Lock()
	if _, busy := im.processing[record.ID]; busy {
		im.mu.Unlock()
		return
	}
	_, alreadyDone := im.processedSession[record.ID]
	im.processing[record.ID] = struct{}{}
	im.mu.Unlock()

	defer func() {
		im.mu.Lock()
		delete(im.processing, record.ID)
		im.mu.Unlock()
	}()

	// A record already imported this session, or one persisted by a previous
	// run that crashed before its ack landed, is force-acked without touching
	// the sink again.
	if alreadyDone || record.Processed {
		if err := im.opts.Queue.Remove(record.ID); err != nil {
			im.noteError(err)
			logf(im.opts.Logger, "importer: force-ack of %s failed: %v", record.ID, err)
			return
		}
		im.mu.Lock()
		im.skipped++
		im.mu.Unlock()
		im.emit(Event{Type: EventSkipped, RecordID: record.ID, Kind: record.Kind(), At: im.opts.now()})
		return
	}

	entityID, skipped, err := im.importOne(ctx, record)
	if err != nil {
		im.noteError(err)
		im.mu.Lock()
		im.failed++
		im.mu.Unlock()
		logf(im.opts.Logger, "importer: record %s (%s) failed, will retry: %v", record.ID, record.Kind(), err)
		im.emit(Event{Type: EventFailed, RecordID: record.ID, Kind: record.Kind(), Error: err.Error(), At: im.opts.now()})
		return
	}

	// Flip the processed flag in the queue before removing. If the process
	// dies between these two writes, the next run (a fresh session with empty
	// guards) sees processed=true and force-acks instead of importing again.
	if err := im.opts.Queue.MarkProcessed(record.ID); err != nil {
		logf(im.opts.Logger, "importer: marking %s processed failed: %v", record.ID, err)
	}
	if err := im.opts.Queue.Remove(record.ID); err != nil {
		// Persisted but not acked: the session guard keeps the record from
		// importing twice while it lingers in the queue.
		im.noteError(err)
		logf(im.opts.Logger, "importer: ack of %s failed after persist: %v", record.ID, err)
	}

	im.mu.Lock()
	im.processedSession[record.ID] = struct{}{}
	if skipped {
		im.skipped++
	} else {
		im.imported++
	}
	im.mu.Unlock()

	if !skipped && im.opts.History != nil {
		entry := shareinbox.HistoryEntry{
			ID:         record.ID,
			Kind:       record.Kind(),
			Caption:    record.Caption,
			EntityID:   entityID,
			ImportedAt: im.opts.now(),
		}
		if err := im.opts.History.Append(entry); err != nil {
			logf(im.opts.Logger, "importer: history append failed for %s: %v", record.ID, err)
		}
	}

	eventType := EventImported
	if skipped {
		eventType = EventSkipped
	}
	im.emit(Event{Type: eventType, RecordID: record.ID, Kind: record.Kind(), EntityID: entityID, At: im.opts.now()})
}

// importOne persists one record. It returns the created entity id, or
// skipped=true when a duplicate made persisting unnecessary. An error means
// the record stays pending for the next pass.
func (im *Importer) importOne(ctx context.Context, record shareinbox.Record) (entityID string, skipped bool, err error) {
	switch payload := record.Payload.(type) {
	case shareinbox.URLPayload:
		return im.importURL(ctx, record, payload)
	case shareinbox.TextPayload:
		id, err := im.createEntity(ctx, record, map[string]any{"text": payload.Text}, "")
		return id, false, err
	case shareinbox.ImagePayload:
		id, err := im.importMedia(ctx, record, payload.ImageURI, payload.Filename, "imagePath")
		return id, false, err
	case shareinbox.VideoPayload:
		id, err := im.importMedia(ctx, record, payload.VideoURI, payload.Filename, "videoPath")
		return id, false, err
	default:
		return "", false, fmt.Errorf("unsupported payload type %T", payload)
	}
}

func (im *Importer) importURL(ctx context.Context, record shareinbox.Record, payload shareinbox.URLPayload) (string, bool, error) {
	// Duplicate check first: the same URL shared twice in quick succession
	// (or re-seen after a crashed ack) must not create a second entity. A
	// failing query is a real error; guessing "no duplicate" here would
	// trade an error for a double import.
	existing, err := im.opts.Sink.Query(ctx, im.opts.Collection, sink.Filter{
		UserID:       im.opts.UserID,
		Kind:         string(shareinbox.KindURL),
		URL:          payload.URL,
		CreatedAfter: im.opts.now().Add(-im.opts.DedupWindow),
	}, 1)
	if err != nil {
		return "", false, fmt.Errorf("duplicate check: %w", err)
	}
	if len(existing) > 0 {
		logf(im.opts.Logger, "importer: %s duplicates recent entity %s, skipping", record.ID, existing[0].ID)
		return existing[0].ID, true, nil
	}

	fields := map[string]any{"url": payload.URL}
	if im.opts.Enricher != nil {
		meta, err := im.opts.Enricher.Fetch(ctx, payload.URL)
		if err != nil {
			// Enrichment is best-effort: save the bare URL rather than hold
			// the share hostage to a flaky page.
			logf(im.opts.Logger, "importer: enrichment of %s failed, saving bare url: %v", payload.URL, err)
			meta = enrich.Metadata{}
		}
		if meta.Title == "" {
			meta.Title = payload.URL
		}
		fields["title"] = meta.Title
		if meta.Description != "" {
			fields["description"] = meta.Description
		}
		if meta.ImageURL != "" {
			fields["imageUrl"] = meta.ImageURL
		}
		if meta.Publisher != "" {
			fields["publisher"] = meta.Publisher
		}
	} else {
		fields["title"] = payload.URL
	}

	id, err := im.createEntity(ctx, record, fields, payload.URL)
	return id, false, err
}

func (im *Importer) importMedia(ctx context.Context, record shareinbox.Record, stagedPath, filename, pathField string) (string, error) {
	if im.opts.Media == nil {
		return "", errors.New("media store not configured")
	}
	if _, err := os.Stat(stagedPath); err != nil {
		// Staged bytes may still be flushing from the other process. Leave
		// the record pending and try again next pass.
		return "", fmt.Errorf("staged media missing: %w", err)
	}
	permanentPath, err := im.opts.Media.Store(record.ID, stagedPath, filename)
	if err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	fields := map[string]any{pathField: permanentPath}
	if filename != "" {
		fields["filename"] = filename
	}
	id, err := im.createEntity(ctx, record, fields, "")
	if err != nil {
		return "", err
	}
	// The staged copy is spent once the entity persists. Deletion is
	// best-effort: a leftover file is waste, not corruption.
	if err := os.Remove(stagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logf(im.opts.Logger, "importer: removing staged media %s failed: %v", stagedPath, err)
	}
	return id, nil
}

func (im *Importer) createEntity(ctx context.Context, record shareinbox.Record, fields map[string]any, url string) (string, error) {
	if record.Caption != "" {
		fields["caption"] = record.Caption
	}
	if record.SourceApp != "" {
		fields["sourceApp"] = record.SourceApp
	}
	fields["sharedAt"] = record.CreatedAt.UTC().Format(time.RFC3339Nano)
	return im.opts.Sink.CreateEntity(ctx, sink.Entity{
		Collection: im.opts.Collection,
		UserID:     im.opts.UserID,
		Kind:       string(record.Kind()),
		URL:        url,
		Fields:     fields,
		CreatedAt:  im.opts.now(),
	})
}

// Status reports the importer's current counters and queue depth.
func (im *Importer) Status() Status {
	im.mu.Lock()
	status := Status{
		Running:   im.running,
		Degraded:  !im.opts.Queue.Shared(),
		Imported:  im.imported,
		Skipped:   im.skipped,
		Failed:    im.failed,
		LastError: im.lastErr,
		LastRunAt: im.lastRunAt,
	}
	im.mu.Unlock()

	records, err := im.opts.Queue.ReadPending()
	if err != nil {
		return status
	}
	status.Pending = len(records)
	now := im.opts.now()
	for _, record := range records {
		if age := now.Sub(record.CreatedAt); age > status.OldestPendingAge {
			status.OldestPendingAge = age
		}
	}
	return status
}

func (im *Importer) noteError(err error) {
	im.mu.Lock()
	im.lastErr = err.Error()
	im.mu.Unlock()
}

func (im *Importer) emit(event Event) {
	if im.opts.OnEvent != nil {
		im.opts.OnEvent(event)
	}
}
