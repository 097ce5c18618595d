// Package sink persists imported content entities to the app's remote
// document store. Implementations share one small interface so the importer
// is indifferent to whether entities land in the hosted HTTP backend, a
// Postgres table, or an in-memory store under test.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("entity not found")
)

// Logger matches the stdlib *log.Logger surface.
type Logger interface {
	Printf(format string, args ...any)
}

// Entity is one stored document. Kind and URL are first-class columns so the
// duplicate-URL window query stays cheap; everything else rides in Fields.
type Entity struct {
	ID         string         `json:"id,omitempty"`
	Collection string         `json:"collection,omitempty"`
	UserID     string         `json:"userId"`
	Kind       string         `json:"kind"`
	URL        string         `json:"url,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (e Entity) validate() error {
	if strings.TrimSpace(e.Collection) == "" {
		return fmt.Errorf("%w: entity collection is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: entity user id is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(e.Kind) == "" {
		return fmt.Errorf("%w: entity kind is empty", ErrInvalidInput)
	}
	return nil
}

// Filter narrows a Query. Zero-valued fields match everything.
type Filter struct {
	UserID       string    `json:"userId,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	URL          string    `json:"url,omitempty"`
	CreatedAfter time.Time `json:"createdAfter,omitempty"`
}

func (f Filter) matches(e Entity) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.URL != "" && e.URL != f.URL {
		return false
	}
	if !f.CreatedAfter.IsZero() && !e.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// Sink is the persistence surface for imported entities.
type Sink interface {
	// CreateEntity stores a new entity and returns its id. A caller-provided
	// id is kept; otherwise the sink assigns one.
	CreateEntity(ctx context.Context, entity Entity) (string, error)
	// UpdateEntity merges fields into an existing entity.
	UpdateEntity(ctx context.Context, collection, id string, fields map[string]any) error
	// Query returns entities matching filter, newest first, capped at limit
	// (limit <= 0 means no cap).
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]Entity, error)
}

// MemorySink stores entities in process memory. Used by tests and by local
// development runs with no backend configured.
type MemorySink struct {
	mu       sync.Mutex
	entities map[string][]Entity
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entities: map[string][]Entity{}}
}

func (s *MemorySink) CreateEntity(ctx context.Context, entity Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := entity.validate(); err != nil {
		return "", err
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.Collection] = append(s.entities[entity.Collection], entity)
	return entity.ID, nil
}

func (s *MemorySink) UpdateEntity(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entity := range s.entities[collection] {
		if entity.ID != id {
			continue
		}
		if entity.Fields == nil {
			entity.Fields = map[string]any{}
		}
		for key, value := range fields {
			entity.Fields[key] = value
		}
		s.entities[collection][i] = entity
		return nil
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
}

func (s *MemorySink) Query(ctx context.Context, collection string, filter Filter, limit int) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entity
	for _, entity := range s.entities[collection] {
		if filter.matches(entity) {
			out = append(out, entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
