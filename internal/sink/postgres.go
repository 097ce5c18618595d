package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOpTimeout = 5 * time.Second

// PostgresSink stores entities in a single keepsake_entities table. The
// filterable columns are first-class; the rest of the document lives in a
// JSONB column.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(dsn string) (*PostgresSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: postgres dsn is empty", ErrInvalidInput)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresSink{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) Close() error { return s.db.Close() }

func (s *PostgresSink) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keepsake_entities (
			id         TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			url        TEXT,
			fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS keepsake_entities_lookup
			ON keepsake_entities (collection, user_id, kind, url, created_at);
	`)
	return err
}

func (s *PostgresSink) CreateEntity(ctx context.Context, entity Entity) (string, error) {
	if err := entity.validate(); err != nil {
		return "", err
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(entity.Fields)
	if err != nil {
		return "", err
	}
	if entity.Fields == nil {
		fields = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO keepsake_entities (id, collection, user_id, kind, url, fields, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		entity.ID, entity.Collection, entity.UserID, entity.Kind, entity.URL, fields, entity.CreatedAt,
	)
	if err != nil {
		return "", err
	}
	return entity.ID, nil
}

func (s *PostgresSink) UpdateEntity(ctx context.Context, collection, id string, fields map[string]any) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		UPDATE keepsake_entities SET fields = fields || $3::jsonb
		WHERE collection = $1 AND id = $2`,
		collection, id, patch,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

func (s *PostgresSink) Query(ctx context.Context, collection string, filter Filter, limit int) ([]Entity, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, ErrInvalidInput
	}
	query := `SELECT id, collection, user_id, kind, COALESCE(url, ''), fields, created_at
		FROM keepsake_entities WHERE collection = $1`
	args := []any{collection}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.URL != "" {
		args = append(args, filter.URL)
		query += fmt.Sprintf(" AND url = $%d", len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter)
		query += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var entity Entity
		var fields []byte
		if err := rows.Scan(&entity.ID, &entity.Collection, &entity.UserID, &entity.Kind, &entity.URL, &fields, &entity.CreatedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &entity.Fields); err != nil {
				return nil, err
			}
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}
