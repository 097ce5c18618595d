package shareinbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("storage unavailable")
)

// Logger is the minimal logging surface the queue layer needs. The stdlib
// *log.Logger satisfies it.
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

// PendingQueue is the only sanctioned read/write path to the pending list.
// The physical queue is a single serialized JSON array; there is no
// per-record locking, so every mutation is a whole-list read-modify-write.
type PendingQueue interface {
	// ReadPending returns the pending records. A missing storage location is
	// an empty queue, not an error. Corrupt content is quarantined and read
	// as empty; individual records that fail validation are skipped. The
	// poll loop must never die on a bad read.
	ReadPending() ([]Record, error)
	// WritePending serializes and overwrites the entire queue.
	WritePending(records []Record) error
	// Append adds one record under the queue's own read-modify-write.
	Append(record Record) error
	// Remove deletes the record with the given id. Removing an id that is
	// not present is a no-op, which makes acking idempotent.
	Remove(id string) error
	// MarkProcessed flips the record's processed flag under the queue's own
	// read-modify-write. Marking an absent id is a no-op.
	MarkProcessed(id string) error
	Len() (int, error)
	// Location describes where the queue physically lives, for logs.
	Location() string
	// Shared reports whether the other process can observe this queue.
	// False means the degraded app-local fallback is in use.
	Shared() bool
}

// FileQueue stores the pending list as one JSON array in the shared
// container. Writes go through a temp file and rename, and the full
// read-modify-write of Append/Remove is serialized across processes with an
// advisory lock on a sibling lock file. The lock is advisory only, so the
// importer keeps its own idempotency guards regardless.
type FileQueue struct {
	path     string
	lockPath string
	logger   Logger
	mu       sync.Mutex
}

func NewFileQueue(path string, logger Logger) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileQueue{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger,
	}, nil
}

func (q *FileQueue) Location() string { return q.path }

func (q *FileQueue) Shared() bool { return true }

func (q *FileQueue) ReadPending() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *FileQueue) WritePending(records []Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeLocked(records)
}

func (q *FileQueue) Append(record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.withFileLock(func() error {
		records, err := q.readLocked()
		if err != nil {
			return err
		}
		for _, existing := range records {
			if existing.ID == record.ID {
				return nil
			}
		}
		return q.writeLocked(append(records, record))
	})
}

func (q *FileQueue) Remove(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.withFileLock(func() error {
		records, err := q.readLocked()
		if err != nil {
			return err
		}
		kept := records[:0]
		for _, record := range records {
			if record.ID != id {
				kept = append(kept, record)
			}
		}
		if len(kept) == len(records) {
			return nil
		}
		return q.writeLocked(kept)
	})
}

func (q *FileQueue) MarkProcessed(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.withFileLock(func() error {
		records, err := q.readLocked()
		if err != nil {
			return err
		}
		for i := range records {
			if records[i].ID != id {
				continue
			}
			if records[i].Processed {
				return nil
			}
			records[i].Processed = true
			return q.writeLocked(records)
		}
		return nil
	})
}

func (q *FileQueue) Len() (int, error) {
	records, err := q.ReadPending()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (q *FileQueue) readLocked() ([]Record, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Record{}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		q.quarantine(err)
		return []Record{}, nil
	}
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		if err := validateRecordDocument(item); err != nil {
			logf(q.logger, "shareinbox: skipping invalid queue record: %v", err)
			continue
		}
		var record Record
		if err := json.Unmarshal(item, &record); err != nil {
			logf(q.logger, "shareinbox: skipping undecodable queue record: %v", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (q *FileQueue) writeLocked(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// quarantine moves an unparsable queue file aside so the bytes stay
// recoverable by an operator, then lets the caller proceed with an empty
// queue. Any records that lost a concurrent-write race are preserved in the
// quarantined copy rather than silently emptied.
func (q *FileQueue) quarantine(cause error) {
	dst := fmt.Sprintf("%s.corrupt-%d", q.path, time.Now().UnixNano())
	if err := os.Rename(q.path, dst); err != nil {
		logf(q.logger, "shareinbox: queue file corrupt (%v) and quarantine failed: %v", cause, err)
		return
	}
	logf(q.logger, "shareinbox: queue file corrupt (%v), quarantined to %s", cause, dst)
}

func (q *FileQueue) withFileLock(fn func() error) error {
	lock, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		// Lock file unavailable: fall through unlocked, the downstream
		// idempotency guards absorb the widened race window.
		logf(q.logger, "shareinbox: queue lock unavailable: %v", err)
		return fn()
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		logf(q.logger, "shareinbox: queue flock failed: %v", err)
		return fn()
	}
	defer func() {
		if err := unlockFile(lock); err != nil {
			logf(q.logger, "shareinbox: queue funlock failed: %v", err)
		}
	}()
	return fn()
}

// MemoryQueue is an in-process queue used by tests and by ad-hoc tooling
// that does not need durability.
type MemoryQueue struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{records: []Record{}}
}

func (q *MemoryQueue) Location() string { return "memory" }

func (q *MemoryQueue) Shared() bool { return true }

func (q *MemoryQueue) ReadPending() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Record(nil), q.records...), nil
}

func (q *MemoryQueue) WritePending(records []Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append([]Record{}, records...)
	return nil
}

func (q *MemoryQueue) Append(record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.records {
		if existing.ID == record.ID {
			return nil
		}
	}
	q.records = append(q.records, record)
	return nil
}

func (q *MemoryQueue) Remove(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	for _, record := range q.records {
		if record.ID != id {
			kept = append(kept, record)
		}
	}
	q.records = kept
	return nil
}

func (q *MemoryQueue) MarkProcessed(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.records {
		if q.records[i].ID == id {
			q.records[i].Processed = true
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records), nil
}
