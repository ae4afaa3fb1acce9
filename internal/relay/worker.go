// Package relay orchestrates the worker's long-lived loops: login,
// monitoring, dispatch, ingestion, command handling, and cleanup.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nats-io/nats.go"
	"github.com/thejerf/suture/v4"

	"github.com/Ruankm/autopromo/internal/config"
	"github.com/Ruankm/autopromo/internal/dispatch"
	"github.com/Ruankm/autopromo/internal/ingest"
	"github.com/Ruankm/autopromo/internal/monitor"
	"github.com/Ruankm/autopromo/internal/send"
	"github.com/Ruankm/autopromo/internal/session"
	"github.com/Ruankm/autopromo/internal/storage"
	"github.com/Ruankm/autopromo/internal/transform"
)

// Connection pacing defaults, applied when a connection row leaves the
// interval unset.
const (
	defaultPerGroupInterval = 360 * time.Second
	defaultGlobalInterval   = 30 * time.Second
)

// Worker wires every component together and exposes them as supervised
// services.
type Worker struct {
	cfg      *config.Config
	store    storage.Storage
	sessions *session.Manager
	login    *session.LoginMachine
	monitor  *monitor.Monitor
	pipeline *transform.Pipeline
	queue    *dispatch.Queue
	sender   *send.Sender
	gate     *ingest.Gate
	jsq      *ingest.JetStreamQueue
	nc       *nats.Conn
	badgerDB *badger.DB

	// known tracks connection ids seen on the previous reconcile pass,
	// so deletions can tear sessions and queues down.
	known map[string]bool

	log *slog.Logger
}

// NewWorker assembles a Worker from its already-constructed parts.
func NewWorker(
	cfg *config.Config,
	store storage.Storage,
	sessions *session.Manager,
	login *session.LoginMachine,
	mon *monitor.Monitor,
	pipeline *transform.Pipeline,
	queue *dispatch.Queue,
	sender *send.Sender,
	gate *ingest.Gate,
	jsq *ingest.JetStreamQueue,
	nc *nats.Conn,
	badgerDB *badger.DB,
	log *slog.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		login:    login,
		monitor:  mon,
		pipeline: pipeline,
		queue:    queue,
		sender:   sender,
		gate:     gate,
		jsq:      jsq,
		nc:       nc,
		badgerDB: badgerDB,
		known:    make(map[string]bool),
		log:      log,
	}
}

// Supervisor builds the suture tree holding all worker services. One
// crashing loop restarts alone; the others keep running.
func (w *Worker) Supervisor() *suture.Supervisor {
	sup := suture.NewSimple("autopromo-worker")
	sup.Add(newTickService("login-loop", w.cfg.LoginInterval, w.loginTick, w.log))
	sup.Add(newTickService("monitor-loop", w.cfg.MonitorInterval, w.monitorTick, w.log))
	sup.Add(newTickService("dispatch-loop", w.cfg.SendInterval, w.dispatchTick, w.log))
	sup.Add(newTickService("cleanup-loop", time.Hour, w.cleanupTick, w.log))
	sup.Add(&commandService{w: w})
	sup.Add(&ingestService{w: w})
	return sup
}

// Shutdown releases resources the loops hold.
func (w *Worker) Shutdown() {
	w.sessions.CloseAll()
}

// tickService runs a function on a fixed cadence. Tick errors are
// logged, not propagated: a failing tick must not restart the service
// and lose the cadence.
type tickService struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) error
	log      *slog.Logger
}

func newTickService(name string, interval time.Duration, tick func(ctx context.Context) error, log *slog.Logger) *tickService {
	return &tickService{name: name, interval: interval, tick: tick, log: log}
}

func (s *tickService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("loop started", "loop", s.name, "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error("loop tick failed", "loop", s.name, "error", err)
			}
		}
	}
}

func (s *tickService) String() string { return s.name }
