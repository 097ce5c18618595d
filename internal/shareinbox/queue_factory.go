package shareinbox

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keepsake-app/keepsake/internal/sharedpath"
)

const pendingQueueFilename = "pending-queue.json"

type QueueFactory func(dsn string, logger Logger) (PendingQueue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]QueueFactory
}{
	factories: map[string]QueueFactory{},
}

// RegisterQueueFactory installs a custom queue backend for a DSN scheme.
func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildQueueFromDSN constructs a pending queue from a DSN. Supported
// schemes: file:// (or a bare path), sqlite:// (a data directory for the
// app-local fallback store), and memory://.
func BuildQueueFromDSN(dsn string, logger Logger) (PendingQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, logger)
	case "sqlite":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueue(dir, logger)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

// OpenQueue applies the storage selection policy: prefer the shared
// container resolved for the app group, fall back to the app-local store
// when the container is unavailable. The degraded fallback is logged here
// and reported through the returned queue's Shared method; it is never a
// silent success.
func OpenQueue(resolver sharedpath.Resolver, group, appDataDir string, logger Logger) (PendingQueue, error) {
	dir, err := resolver.Resolve(group)
	if err == nil {
		return NewFileQueue(filepath.Join(dir, pendingQueueFilename), logger)
	}
	if !errors.Is(err, sharedpath.ErrUnavailable) {
		return nil, err
	}
	logf(logger, "shareinbox: shared container unavailable (%v); falling back to local store in %s; shares written here are invisible to the other process", err, appDataDir)
	return NewSQLiteQueue(appDataDir, logger)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
