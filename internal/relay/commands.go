package relay

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/Ruankm/autopromo/internal/metrics"
	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/session"
)

// NATS subjects for the out-of-band surfaces.
const (
	SubjectCommands = "autopromo.commands"
	SubjectRaw      = "autopromo.raw"
)

// Command types published by the management surface.
const (
	CmdNewConnection        = "NEW_CONNECTION"
	CmdRegenerateCredential = "REGENERATE_CREDENTIAL"
	CmdDiscoverGroups       = "DISCOVER_GROUPS"
)

// Command is the out-of-band command envelope.
type Command struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Nickname     string `json:"nickname,omitempty"`
}

// commandService subscribes to the command subject and dispatches.
type commandService struct {
	w *Worker
}

func (s *commandService) String() string { return "command-loop" }

func (s *commandService) Serve(ctx context.Context) error {
	w := s.w

	sub, err := w.nc.Subscribe(SubjectCommands, func(m *nats.Msg) {
		var cmd Command
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			w.log.Error("decode command", "error", err)
			return
		}
		if err := w.handleCommand(ctx, cmd); err != nil {
			w.log.Error("handle command",
				"type", cmd.Type, "connection_id", cmd.ConnectionID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectCommands, err)
	}
	defer sub.Unsubscribe()

	w.log.Info("command loop started", "subject", SubjectCommands)
	<-ctx.Done()
	return ctx.Err()
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) error {
	w.log.Info("command received", "type", cmd.Type, "connection_id", cmd.ConnectionID)

	switch cmd.Type {
	case CmdNewConnection:
		// The connection row exists with status pending; the login loop
		// picks it up on its next tick.
		return nil
	case CmdRegenerateCredential:
		return w.login.Regenerate(ctx, cmd.ConnectionID)
	case CmdDiscoverGroups:
		return w.discoverGroups(ctx, cmd.ConnectionID)
	default:
		w.log.Warn("unknown command", "type", cmd.Type)
		return nil
	}
}

func (w *Worker) discoverGroups(ctx context.Context, connectionID string) error {
	h, err := w.sessions.Acquire(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	groups, err := session.DiscoverGroups(ctx, h.Page)
	if err != nil {
		return fmt.Errorf("discover groups: %w", err)
	}

	for _, g := range groups {
		g.ConnectionID = connectionID
		if err := w.store.UpsertDiscoveredGroup(ctx, g); err != nil {
			w.log.Error("save discovered group",
				"connection_id", connectionID, "group", g.DisplayName, "error", err)
		}
	}
	w.log.Info("groups discovered", "connection_id", connectionID, "count", len(groups))
	return nil
}

// ingestService bridges the two ingestion surfaces: raw provider
// callbacks relayed over NATS go through the gate, and gate-accepted
// messages come back off the durable queue into the pipeline.
type ingestService struct {
	w *Worker
}

func (s *ingestService) String() string { return "ingest-loop" }

func (s *ingestService) Serve(ctx context.Context) error {
	w := s.w

	sub, err := w.nc.Subscribe(SubjectRaw, func(m *nats.Msg) {
		var raw model.RawMessage
		if err := json.Unmarshal(m.Data, &raw); err != nil {
			w.log.Error("decode raw message", "error", err)
			return
		}
		res, err := w.gate.Submit(ctx, raw)
		if err != nil {
			w.log.Error("submit raw message", "user_id", raw.UserID, "error", err)
			return
		}
		metrics.IngestionResults.WithLabelValues(res.Status).Inc()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectRaw, err)
	}
	defer sub.Unsubscribe()

	w.log.Info("ingest loop started", "subject", SubjectRaw)
	return w.jsq.Consume(ctx, w.processQueued)
}

// processQueued relays one gate-accepted message for every connected
// connection of the user that watches its source group.
func (w *Worker) processQueued(ctx context.Context, raw model.RawMessage) error {
	conns, err := w.store.ListConnectionsByStatus(ctx, model.StatusConnected)
	if err != nil {
		return fmt.Errorf("list connected connections: %w", err)
	}

	matched := false
	for i := range conns {
		conn := &conns[i]
		if conn.UserID != raw.UserID {
			continue
		}
		if !containsGroup(conn.SourceGroups, raw.SourceGroupID) {
			continue
		}
		matched = true
		w.relayMessage(ctx, conn, raw.SourceGroupID, raw.RawText)
	}
	if !matched {
		w.log.Warn("queued message matched no connection",
			"user_id", raw.UserID, "source_group", raw.SourceGroupID)
	}
	return nil
}

func containsGroup(groups []string, name string) bool {
	for _, g := range groups {
		if g == name {
			return true
		}
	}
	return false
}
