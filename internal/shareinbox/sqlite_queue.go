package shareinbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteQueueKey      = "pending"
	sqliteQueueFilename = "share-inbox.db"
)

// SQLiteQueue is the app-local fallback store used when the shared container
// cannot be resolved. It is visible only to the process that opened it, so a
// Writer running in the extension process while the container is down
// produces records the importer never observes. That degraded mode is
// surfaced through Shared() and must be logged by callers, never treated as
// full success.
type SQLiteQueue struct {
	db     *sql.DB
	path   string
	logger Logger
	mu     sync.Mutex
}

func NewSQLiteQueue(dataDir string, logger Logger) (*SQLiteQueue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, sqliteQueueFilename)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS share_inbox (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteQueue{db: db, path: path, logger: logger}, nil
}

func (q *SQLiteQueue) Location() string { return q.path }

func (q *SQLiteQueue) Shared() bool { return false }

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) ReadPending() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *SQLiteQueue) WritePending(records []Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeLocked(records)
}

func (q *SQLiteQueue) Append(record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
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
}

func (q *SQLiteQueue) Remove(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
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
}

func (q *SQLiteQueue) MarkProcessed(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
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
}

func (q *SQLiteQueue) Len() (int, error) {
	records, err := q.ReadPending()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (q *SQLiteQueue) readLocked() ([]Record, error) {
	var value string
	err := q.db.QueryRow(`SELECT v FROM share_inbox WHERE k = ?`, sqliteQueueKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		q.quarantineLocked(value, err)
		return []Record{}, nil
	}
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		if err := validateRecordDocument(item); err != nil {
			logf(q.logger, "shareinbox: skipping invalid fallback record: %v", err)
			continue
		}
		var record Record
		if err := json.Unmarshal(item, &record); err != nil {
			logf(q.logger, "shareinbox: skipping undecodable fallback record: %v", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (q *SQLiteQueue) writeLocked(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(
		`INSERT INTO share_inbox (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		sqliteQueueKey, string(data),
	)
	return err
}

func (q *SQLiteQueue) quarantineLocked(value string, cause error) {
	key := fmt.Sprintf("%s.corrupt-%d", sqliteQueueKey, time.Now().UnixNano())
	if _, err := q.db.Exec(
		`INSERT INTO share_inbox (k, v) VALUES (?, ?)`, key, value,
	); err != nil {
		logf(q.logger, "shareinbox: fallback queue corrupt (%v) and quarantine failed: %v", cause, err)
	} else {
		logf(q.logger, "shareinbox: fallback queue corrupt (%v), quarantined under %s", cause, key)
	}
	if _, err := q.db.Exec(`DELETE FROM share_inbox WHERE k = ?`, sqliteQueueKey); err != nil {
		logf(q.logger, "shareinbox: clearing corrupt fallback queue failed: %v", err)
	}
}
