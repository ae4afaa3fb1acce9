package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ruankm/autopromo/internal/config"
	"github.com/Ruankm/autopromo/internal/dispatch"
	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/monitor"
	"github.com/Ruankm/autopromo/internal/session"
	"github.com/Ruankm/autopromo/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestWorker wires a Worker over in-memory storage. Pipeline, sender
// and messaging are nil: the login loop never touches them.
func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	log := discardLogger()
	store := newTestStore(t)
	sessions := session.NewManager("chromium", t.TempDir(), "", log)
	login := session.NewLoginMachine(sessions, store, log)
	mon := monitor.New(store, log)
	queue := dispatch.New(log)
	return NewWorker(&config.Config{}, store, sessions, login, mon,
		nil, queue, nil, nil, nil, nil, nil, log)
}

// Every connection must enter fn before any of them returns. Sequential
// processing would deadlock here, so the timeout doubles as the check.
func TestFanOutRunsConnectionsConcurrently(t *testing.T) {
	conns := []model.Connection{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	var entered sync.WaitGroup
	entered.Add(len(conns))
	done := make(chan struct{})
	go func() {
		fanOut(conns, func(*model.Connection) {
			entered.Done()
			entered.Wait()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connections were processed one after another")
	}
}

func TestFanOutStalledConnectionDoesNotBlockOthers(t *testing.T) {
	conns := []model.Connection{{ID: "stalled"}, {ID: "b"}, {ID: "c"}}

	release := make(chan struct{})
	var healthy sync.WaitGroup
	healthy.Add(len(conns) - 1)
	go fanOut(conns, func(conn *model.Connection) {
		if conn.ID == "stalled" {
			<-release
			return
		}
		healthy.Done()
	})

	done := make(chan struct{})
	go func() {
		healthy.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("healthy connections waited behind the stalled one")
	}
	close(release)
}

func TestLoginTickParksDisconnected(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t)

	conn := model.Connection{
		ID:                "c1",
		UserID:            "u1",
		Status:            model.StatusDisconnected,
		DestinationGroups: []string{"dest"},
	}
	if err := w.store.CreateConnection(ctx, &conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	w.queue.Enqueue(model.Job{ConnectionID: "c1", DestinationGroup: "dest", Text: "stale offer"})

	if err := w.loginTick(ctx); err != nil {
		t.Fatalf("login tick: %v", err)
	}

	got, err := w.store.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Status != model.StatusDisconnected {
		t.Fatalf("status = %q, want it to stay %q", got.Status, model.StatusDisconnected)
	}
	if n := w.queue.Len("c1", "dest"); n != 0 {
		t.Fatalf("queue len = %d after teardown, want 0", n)
	}
}

func TestLoginTickRecoversErrored(t *testing.T) {
	ctx := context.Background()
	w := newTestWorker(t)

	conn := model.Connection{ID: "c1", UserID: "u1", Status: model.StatusError}
	if err := w.store.CreateConnection(ctx, &conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	if err := w.loginTick(ctx); err != nil {
		t.Fatalf("login tick: %v", err)
	}

	got, err := w.store.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("status = %q, want %q", got.Status, model.StatusPending)
	}
}
