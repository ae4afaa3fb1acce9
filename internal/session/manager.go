package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Ruankm/autopromo/internal/metrics"
)

// DefaultClientURL is the provider web client the sessions drive.
const DefaultClientURL = "https://web.whatsapp.com"

// Handle is one live browser session bound to a connection.
type Handle struct {
	ConnectionID string
	Page         Page

	browser *Browser
	client  *Client
}

func (h *Handle) close() {
	if h.client != nil {
		_ = h.client.Close()
	}
	if h.browser != nil {
		_ = h.browser.Close()
	}
}

// Manager owns at most one browser session per connection. Callers go
// through Acquire/Release; a dead session is recreated transparently.
type Manager struct {
	browserBin  string
	sessionsDir string
	clientURL   string
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Handle
	locks    map[string]*sync.Mutex
}

// NewManager creates a Manager. clientURL may be empty to use the default.
func NewManager(browserBin, sessionsDir, clientURL string, log *slog.Logger) *Manager {
	if clientURL == "" {
		clientURL = DefaultClientURL
	}
	return &Manager{
		browserBin:  browserBin,
		sessionsDir: sessionsDir,
		clientURL:   clientURL,
		log:         log,
		sessions:    make(map[string]*Handle),
		locks:       make(map[string]*sync.Mutex),
	}
}

// connLock returns the per-connection mutex. Session creation for one
// connection must not block work on every other connection.
func (m *Manager) connLock(connectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[connectionID] = l
	}
	return l
}

// Acquire returns a live session for the connection, creating or
// recreating one as needed. Creation failures are retried with backoff.
func (m *Manager) Acquire(ctx context.Context, connectionID string) (*Handle, error) {
	lock := m.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	h := m.sessions[connectionID]
	m.mu.Unlock()

	if h != nil {
		if m.IsAlive(ctx, h) {
			return h, nil
		}
		m.log.Warn("session is dead, recreating", "connection_id", connectionID)
		h.close()
		m.mu.Lock()
		delete(m.sessions, connectionID)
		m.mu.Unlock()
		metrics.SessionsRecreated.Inc()
	}

	var created *Handle
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, err := m.create(ctx, connectionID)
		if err != nil {
			m.log.Error("create session", "connection_id", connectionID, "error", err)
			return retry.RetryableError(err)
		}
		created = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire session for %s: %w", connectionID, err)
	}

	m.mu.Lock()
	m.sessions[connectionID] = created
	m.mu.Unlock()
	return created, nil
}

func (m *Manager) create(ctx context.Context, connectionID string) (*Handle, error) {
	browser, err := LaunchBrowser(ctx, m.browserBin, m.sessionsDir, connectionID, m.log)
	if err != nil {
		return nil, err
	}

	wsURL, err := browser.PageWebSocketURL(ctx)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	client, err := NewClient(ctx, wsURL)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	page := NewPage(client)
	if err := page.Navigate(ctx, m.clientURL); err != nil {
		_ = client.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("open client page: %w", err)
	}

	return &Handle{
		ConnectionID: connectionID,
		Page:         page,
		browser:      browser,
		client:       client,
	}, nil
}

// IsAlive probes the session with a trivial evaluation. Any transport
// error or timeout counts as dead.
func (m *Manager) IsAlive(ctx context.Context, h *Handle) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	v, err := h.Page.Evaluate(ctx, "1 + 1")
	if err != nil {
		return false
	}
	return v == "2"
}

// Release tears a connection's session down. Idempotent.
func (m *Manager) Release(connectionID string) {
	lock := m.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	h := m.sessions[connectionID]
	delete(m.sessions, connectionID)
	m.mu.Unlock()

	if h != nil {
		h.close()
		m.log.Info("session released", "connection_id", connectionID)
	}
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll releases every session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.sessions))
	for id, h := range m.sessions {
		handles = append(handles, h)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}
