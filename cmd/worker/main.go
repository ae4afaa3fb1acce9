package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ruankm/autopromo/internal/config"
	"github.com/Ruankm/autopromo/internal/dispatch"
	"github.com/Ruankm/autopromo/internal/ingest"
	"github.com/Ruankm/autopromo/internal/monitor"
	"github.com/Ruankm/autopromo/internal/relay"
	"github.com/Ruankm/autopromo/internal/send"
	"github.com/Ruankm/autopromo/internal/session"
	"github.com/Ruankm/autopromo/internal/storage"
	"github.com/Ruankm/autopromo/internal/transform"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.SessionsDir} {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	var (
		dedup    ingest.Deduper
		badgerDB *badger.DB
	)
	if cfg.DedupPath == "" {
		dedup = ingest.NewMemoryDeduper()
	} else {
		opts := badger.DefaultOptions(cfg.DedupPath).WithLogger(nil)
		badgerDB, err = badger.Open(opts)
		if err != nil {
			log.Error("open dedup store", "path", cfg.DedupPath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = badgerDB.Close() }()
		dedup = ingest.NewBadgerDeduper(badgerDB, "offer:")
	}
	defer func() { _ = dedup.Close() }()

	nc, err := natsgo.Connect(cfg.NATSURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Error("connect to nats", "url", cfg.NATSURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	jsq, err := ingest.NewJetStreamQueue(ctx, nc, cfg.QueueMaxAge, log)
	if err != nil {
		log.Error("create ingestion queue", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(cfg.BrowserBin, cfg.SessionsDir, "", log)
	login := session.NewLoginMachine(sessions, store, log)
	mon := monitor.New(store, log)
	resolver := transform.NewResolver(transform.NewRedirectClient())
	pipeline := transform.New(store, resolver, cfg.RepostWindow, log)
	queue := dispatch.New(log)
	sender := send.New(send.DefaultPolicy(), log)
	gate := ingest.New(dedup, jsq, transform.ExtractLinks, cfg.DedupTTL, log)

	worker := relay.NewWorker(cfg, store, sessions, login, mon, pipeline, queue, sender, gate, jsq, nc, badgerDB, log)
	defer worker.Shutdown()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	log.Info("starting relay worker")

	sup := worker.Supervisor()
	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}

	log.Info("relay worker stopped")
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
