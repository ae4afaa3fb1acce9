// Package monitor polls source conversations of connected sessions for
// new messages, applying the cache-then-durable dedup layer.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/storage"
)

// Message is one content-bearing entry read from a source conversation.
type Message struct {
	ID        string
	Group     string
	Text      string
	Timestamp int64
}

// ChatReader reads the most recent message of a conversation. The DOM
// implementation is swappable for a provider-API-based one without
// touching the dedup logic below.
type ChatReader interface {
	ReadLatest(ctx context.Context, group string) (*Message, error)
}

type cacheKey struct {
	connectionID string
	group        string
}

// Monitor applies two dedup layers to polled messages: an in-memory
// last-seen cache and the durable message_records table.
type Monitor struct {
	store storage.Storage
	log   *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]string
}

// New creates a Monitor.
func New(store storage.Storage, log *slog.Logger) *Monitor {
	return &Monitor{
		store: store,
		log:   log,
		cache: make(map[cacheKey]string),
	}
}

// CheckGroup reads the latest message of one group and returns it only
// when it has not been seen before. At most one message per call.
func (m *Monitor) CheckGroup(ctx context.Context, connectionID string, reader ChatReader, group string) (*Message, error) {
	msg, err := reader.ReadLatest(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("read latest in %q: %w", group, err)
	}
	if msg == nil {
		return nil, nil
	}

	key := cacheKey{connectionID, group}

	m.mu.Lock()
	cached := m.cache[key]
	m.mu.Unlock()
	if cached == msg.ID {
		return nil, nil
	}

	seen, err := m.store.IsMessageSeen(ctx, connectionID, group, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("check message record: %w", err)
	}
	if seen {
		m.mu.Lock()
		m.cache[key] = msg.ID
		m.mu.Unlock()
		return nil, nil
	}

	// Durable write first. A crash between the write and the cache
	// update only costs a redundant durable check on the next poll,
	// never a missed duplicate.
	rec := model.MessageRecord{
		ConnectionID: connectionID,
		GroupName:    group,
		MessageID:    msg.ID,
		TextHash:     TextHash(msg.Text),
		Timestamp:    msg.Timestamp,
		ProcessedAt:  time.Now().UTC(),
	}
	inserted, err := m.store.MarkMessageSeen(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	m.mu.Lock()
	m.cache[key] = msg.ID
	m.mu.Unlock()

	if !inserted {
		// A racing poll recorded the message between our seen check and
		// the insert; that caller owns it.
		return nil, nil
	}

	m.log.Info("new message detected",
		"connection_id", connectionID, "group", group, "message_id", msg.ID)
	return msg, nil
}

// Forget drops a connection's cache entries. Used on deletion.
func (m *Monitor) Forget(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.cache {
		if k.connectionID == connectionID {
			delete(m.cache, k)
		}
	}
}
