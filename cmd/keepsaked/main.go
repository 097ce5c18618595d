package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/keepsake-app/keepsake/internal/enrich"
	"github.com/keepsake-app/keepsake/internal/httpapi"
	"github.com/keepsake-app/keepsake/internal/importer"
	"github.com/keepsake-app/keepsake/internal/sharedpath"
	"github.com/keepsake-app/keepsake/internal/shareinbox"
	"github.com/keepsake-app/keepsake/internal/sink"
)

const defaultAppGroup = "group.app.keepsake"

func main() {
	addr := os.Getenv("KEEPSAKE_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	dataDir := strings.TrimSpace(os.Getenv("KEEPSAKE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".keepsake"
	}

	queue, err := buildQueueFromEnv(dataDir)
	if err != nil {
		log.Fatalf("failed to open pending queue: %v", err)
	}

	sinkDSN := strings.TrimSpace(os.Getenv("KEEPSAKE_SINK_DSN"))
	if sinkDSN == "" {
		sinkDSN = "memory://"
	}
	entitySink, err := sink.BuildFromDSN(sinkDSN, nil)
	if err != nil {
		log.Fatalf("failed to build sink: %v", err)
	}

	media, err := importer.NewMediaStore(filepath.Join(dataDir, "media"))
	if err != nil {
		log.Fatalf("failed to create media directory: %v", err)
	}
	history, err := shareinbox.NewHistory(filepath.Join(dataDir, "import-history.json"), nil)
	if err != nil {
		log.Fatalf("failed to open import history: %v", err)
	}

	userID := strings.TrimSpace(os.Getenv("KEEPSAKE_USER_ID"))
	if userID == "" {
		userID = "local"
	}

	var server *httpapi.Server
	imp, err := importer.New(importer.Options{
		Queue:       queue,
		Sink:        entitySink,
		Enricher:    enrich.NewHTTPFetcher(enrich.HTTPFetcherOptions{}),
		Media:       media,
		History:     history,
		UserID:      userID,
		Collection:  strings.TrimSpace(os.Getenv("KEEPSAKE_COLLECTION")),
		Interval:    durationEnv("KEEPSAKE_POLL_INTERVAL", 30*time.Second),
		DedupWindow: durationEnv("KEEPSAKE_DEDUP_WINDOW", 30*time.Second),
		Watch:       boolEnv("KEEPSAKE_WATCH", true),
		OnEvent: func(event importer.Event) {
			if server != nil {
				server.Publish(event)
			}
		},
	})
	if err != nil {
		log.Fatalf("failed to build importer: %v", err)
	}
	server = httpapi.NewServer(imp, queue, history, httpapi.ServerConfig{
		AuthToken:    os.Getenv("KEEPSAKE_AUTH_TOKEN"),
		MaxBodyBytes: int64Env("KEEPSAKE_MAX_BODY_BYTES", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := imp.Start(ctx); err != nil {
		log.Fatalf("failed to start importer: %v", err)
	}
	defer imp.Stop()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("keepsaked listening on %s, queue at %s (shared=%v)", addr, queue.Location(), queue.Shared())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildQueueFromEnv(dataDir string) (shareinbox.PendingQueue, error) {
	if dsn := strings.TrimSpace(os.Getenv("KEEPSAKE_QUEUE_DSN")); dsn != "" {
		return shareinbox.BuildQueueFromDSN(dsn, nil)
	}
	group := strings.TrimSpace(os.Getenv("KEEPSAKE_APP_GROUP"))
	if group == "" {
		group = defaultAppGroup
	}
	resolver := sharedpath.Chain{
		sharedpath.EnvResolver{},
		sharedpath.GroupResolver{},
	}
	return shareinbox.OpenQueue(resolver, group, dataDir, nil)
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
