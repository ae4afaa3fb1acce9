package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ruankm/autopromo/internal/metrics"
	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/monitor"
	"github.com/Ruankm/autopromo/internal/send"
	"github.com/Ruankm/autopromo/internal/transform"
)

// fanOut runs fn for every connection concurrently and waits for all of
// them. One connection with a dead browser must not delay the others;
// per-connection ordering is preserved by the manager's key locks.
func fanOut(conns []model.Connection, fn func(conn *model.Connection)) {
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(conn *model.Connection) {
			defer wg.Done()
			fn(conn)
		}(&conns[i])
	}
	wg.Wait()
}

// loginTick advances every connection that is somewhere in the login
// flow, recovers errored connections, and reconciles deletions.
func (w *Worker) loginTick(ctx context.Context) error {
	all, err := w.store.ListConnectionsByStatus(ctx,
		model.StatusPending, model.StatusQRNeeded, model.StatusConnecting,
		model.StatusConnected, model.StatusDisconnected, model.StatusError)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	w.reconcileDeleted(all)

	fanOut(all, func(conn *model.Connection) {
		switch conn.Status {
		case model.StatusError:
			// Failures are recoverable: restart the flow from pending.
			if err := w.store.SetConnectionStatus(ctx, conn.ID, model.StatusPending, ""); err != nil {
				w.log.Error("reset connection", "connection_id", conn.ID, "error", err)
				return
			}
			w.log.Info("connection reset to pending",
				"connection_id", conn.ID, "from", string(conn.Status))
			metrics.LoginTransitions.WithLabelValues(string(model.StatusPending)).Inc()
		case model.StatusDisconnected:
			// Explicit disconnect: tear down and stay parked until the
			// management surface moves the connection back to pending.
			w.sessions.Release(conn.ID)
			w.queue.Drop(conn.ID)
			w.monitor.Forget(conn.ID)
		default:
			if err := w.login.Tick(ctx, conn); err != nil {
				w.failConnection(ctx, conn.ID, err)
			}
		}
	})
	return nil
}

// reconcileDeleted tears down state for connections that disappeared
// from storage since the previous pass.
func (w *Worker) reconcileDeleted(current []model.Connection) {
	live := make(map[string]bool, len(current))
	for _, c := range current {
		live[c.ID] = true
	}
	for id := range w.known {
		if !live[id] {
			w.log.Info("connection deleted, tearing down", "connection_id", id)
			w.sessions.Release(id)
			w.queue.Drop(id)
			w.monitor.Forget(id)
		}
	}
	w.known = live
}

// failConnection marks a connection errored without stalling the loop.
func (w *Worker) failConnection(ctx context.Context, connectionID string, cause error) {
	w.log.Error("connection failed", "connection_id", connectionID, "error", cause)
	if err := w.store.SetConnectionStatus(ctx, connectionID, model.StatusError, cause.Error()); err != nil {
		w.log.Error("set error status", "connection_id", connectionID, "error", err)
	}
	metrics.LoginTransitions.WithLabelValues(string(model.StatusError)).Inc()
}

// monitorTick polls every connected connection's source groups and runs
// new messages through the transform pipeline.
func (w *Worker) monitorTick(ctx context.Context) error {
	conns, err := w.store.ListConnectionsByStatus(ctx, model.StatusConnected)
	if err != nil {
		return fmt.Errorf("list connected connections: %w", err)
	}

	fanOut(conns, func(conn *model.Connection) {
		if len(conn.SourceGroups) == 0 {
			return
		}

		h, err := w.sessions.Acquire(ctx, conn.ID)
		if err != nil {
			w.failConnection(ctx, conn.ID, err)
			return
		}
		reader := monitor.NewDOMReader(h.Page)

		for _, group := range conn.SourceGroups {
			msg, err := w.monitor.CheckGroup(ctx, conn.ID, reader, group)
			if err != nil {
				w.log.Error("monitor group",
					"connection_id", conn.ID, "group", group, "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			metrics.MessagesDetected.Inc()
			w.relayMessage(ctx, conn, group, msg.Text)
		}
	})
	return nil
}

// relayMessage expands one accepted message into destination jobs and
// enqueues them.
func (w *Worker) relayMessage(ctx context.Context, conn *model.Connection, sourceGroup, text string) {
	offer := transform.Offer{
		UserID:         conn.UserID,
		ConnectionID:   conn.ID,
		SourcePlatform: "whatsapp",
		SourceGroup:    sourceGroup,
		Text:           text,
	}
	jobs, err := w.pipeline.Process(ctx, offer, conn.DestinationGroups)
	if err != nil {
		w.log.Error("transform message",
			"connection_id", conn.ID, "group", sourceGroup, "error", err)
		return
	}
	for _, job := range jobs {
		w.queue.Enqueue(job)
		metrics.JobsEnqueued.Inc()
	}
	if len(jobs) > 0 {
		w.log.Info("jobs enqueued",
			"connection_id", conn.ID, "source_group", sourceGroup, "count", len(jobs))
	}
}

// dispatchTick runs the admission check per connected connection and
// destination, executing at most one send per destination per tick.
func (w *Worker) dispatchTick(ctx context.Context) error {
	conns, err := w.store.ListConnectionsByStatus(ctx, model.StatusConnected)
	if err != nil {
		return fmt.Errorf("list connected connections: %w", err)
	}

	fanOut(conns, func(conn *model.Connection) {
		if len(conn.DestinationGroups) == 0 {
			return
		}

		if capped, err := w.dailyCapReached(ctx, conn); err != nil {
			w.log.Error("check daily cap", "connection_id", conn.ID, "error", err)
			return
		} else if capped {
			return
		}

		perGroup := defaultPerGroupInterval
		if conn.MinIntervalPerGroup > 0 {
			perGroup = time.Duration(conn.MinIntervalPerGroup) * time.Second
		}
		global := defaultGlobalInterval
		if conn.MinIntervalGlobal > 0 {
			global = time.Duration(conn.MinIntervalGlobal) * time.Second
		}

		for _, group := range conn.DestinationGroups {
			job, ok := w.queue.TryAdmit(conn.ID, group, perGroup, global)
			if !ok {
				continue
			}
			w.executeSend(ctx, conn, job)
		}
	})
	return nil
}

func (w *Worker) dailyCapReached(ctx context.Context, conn *model.Connection) (bool, error) {
	if conn.MaxMessagesPerDay <= 0 {
		return false, nil
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	count, err := w.store.CountSendsSince(ctx, conn.ID, midnight)
	if err != nil {
		return false, err
	}
	if count >= conn.MaxMessagesPerDay {
		w.log.Warn("daily send cap reached",
			"connection_id", conn.ID, "cap", conn.MaxMessagesPerDay)
		return true, nil
	}
	return false, nil
}

// executeSend runs one admitted job and resolves its queue claim.
func (w *Worker) executeSend(ctx context.Context, conn *model.Connection, job model.Job) {
	h, err := w.sessions.Acquire(ctx, conn.ID)
	if err != nil {
		w.queue.Release(conn.ID, job.DestinationGroup)
		w.failConnection(ctx, conn.ID, err)
		return
	}

	res := w.sender.Send(ctx, h.Page, job.DestinationGroup, job.Text)
	if res.Status != send.StatusSent {
		w.queue.Release(conn.ID, job.DestinationGroup)
		metrics.SendResults.WithLabelValues(send.StatusError).Inc()
		return
	}

	audit := &model.OfferAudit{
		ConnectionID:     conn.ID,
		SourceGroup:      job.SourceGroup,
		DestinationGroup: job.DestinationGroup,
		OriginalText:     job.OriginalText,
		FinalText:        job.Text,
		Links:            job.Links,
		PreviewRendered:  res.PreviewRendered,
		DurationMS:       res.DurationMS,
		CreatedAt:        time.Now().UTC(),
	}
	if err := w.store.AppendOfferAudit(ctx, audit); err != nil {
		w.log.Error("write offer audit", "connection_id", conn.ID, "error", err)
	}
	if job.ProductUniqueID != "" {
		sl := model.SendLog{
			UserID:           job.UserID,
			DestinationGroup: job.DestinationGroup,
			ProductUniqueID:  job.ProductUniqueID,
			SentAt:           time.Now().UTC(),
		}
		if err := w.store.RecordSend(ctx, sl); err != nil {
			w.log.Error("write send log", "connection_id", conn.ID, "error", err)
		}
	}
	if err := w.store.TouchConnection(ctx, conn.ID); err != nil {
		w.log.Error("touch connection", "connection_id", conn.ID, "error", err)
	}

	w.queue.MarkSent(conn.ID, job.DestinationGroup)
	metrics.SendResults.WithLabelValues(send.StatusSent).Inc()
}

// cleanupTick discards stale queued jobs and compacts the dedup store.
func (w *Worker) cleanupTick(ctx context.Context) error {
	removed := w.queue.CleanupStale(w.cfg.QueueMaxAge)
	if removed > 0 {
		metrics.StaleJobsDropped.Add(float64(removed))
		w.log.Info("stale jobs discarded", "count", removed)
	}

	if w.badgerDB != nil {
		// Badger wants GC run periodically; ErrNoRewrite just means
		// there was nothing to reclaim.
		if err := w.badgerDB.RunValueLogGC(0.5); err != nil {
			w.log.Debug("badger gc", "result", err.Error())
		}
	}
	return nil
}
