package sink

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("KEEPSAKE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set KEEPSAKE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationCleanup(t *testing.T, dsn, userID string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `DELETE FROM keepsake_entities WHERE user_id = $1`, userID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
}

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	userID := "it-user-" + time.Now().UTC().Format("20060102150405.000000000")

	pg, err := NewPostgresSink(dsn)
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	t.Cleanup(func() {
		postgresIntegrationCleanup(t, dsn, userID)
		_ = pg.Close()
	})

	ctx := context.Background()
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	id, err := pg.CreateEntity(ctx, Entity{
		Collection: "entries",
		UserID:     userID,
		Kind:       "url",
		URL:        "https://example.com/it",
		Fields:     map[string]any{"title": "integration"},
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	got, err := pg.Query(ctx, "entries", Filter{
		UserID:       userID,
		Kind:         "url",
		URL:          "https://example.com/it",
		CreatedAfter: createdAt.Add(-time.Second),
	}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("unexpected query result: %+v", got)
	}
	if got[0].Fields["title"] != "integration" {
		t.Fatalf("fields round trip failed: %+v", got[0].Fields)
	}

	if err := pg.UpdateEntity(ctx, "entries", id, map[string]any{"title": "updated"}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	got, err = pg.Query(ctx, "entries", Filter{UserID: userID}, 0)
	if err != nil {
		t.Fatalf("Query after update: %v", err)
	}
	if got[0].Fields["title"] != "updated" {
		t.Fatalf("update not applied: %+v", got[0].Fields)
	}

	if err := pg.UpdateEntity(ctx, "entries", "missing", map[string]any{"x": 1}); err == nil {
		t.Fatal("expected not-found error")
	}
}
