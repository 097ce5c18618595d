package sink

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(dsn string, logger Logger) (Sink, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory installs a custom sink backend for a DSN scheme.
func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildFromDSN constructs a sink from a DSN. Supported schemes: http://,
// https:// (the hosted backend, with an optional token in the user info),
// postgres://, and memory://.
func BuildFromDSN(dsn string, logger Logger) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "http", "https":
		token := ""
		if parsed.User != nil {
			token, _ = parsed.User.Password()
			if token == "" {
				token = parsed.User.Username()
			}
			parsed.User = nil
		}
		return NewHTTPSink(HTTPSinkOptions{BaseURL: parsed.String(), Token: token})
	case "postgres", "postgresql":
		return NewPostgresSink(dsn)
	case "memory", "mem", "inmem":
		return NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unsupported sink scheme: %s", scheme)
	}
}
