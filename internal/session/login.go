package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/storage"
)

// QRStaleAfter is how long a captured QR stays valid before the login
// loop must recapture it. The provider rotates the code about once a
// minute; 50s keeps the stored copy ahead of the rotation.
const QRStaleAfter = 50 * time.Second

// DOM selectors for the provider web client, with fallbacks for
// different client versions.
var (
	qrSelectors = []string{
		`canvas[aria-label*="Scan me"]`,
		`canvas[aria-label*="QR code"]`,
		`div[data-ref] canvas`,
		`canvas[aria-label*="escanear"]`,
	}
	chatListSelectors = []string{
		`[data-testid="chat-list"]`,
		`[data-testid="chat-list-search"]`,
		`#pane-side`,
	}
)

// Observation is what one DOM probe saw.
type Observation struct {
	QRVisible       bool
	ChatListVisible bool
}

// Next is the pure login transition function. Effects (navigation, QR
// capture, persistence) live in LoginMachine.Tick.
func Next(status model.ConnectionStatus, obs Observation) model.ConnectionStatus {
	switch status {
	case model.StatusPending:
		return model.StatusQRNeeded
	case model.StatusQRNeeded:
		if obs.ChatListVisible {
			return model.StatusConnected
		}
		if !obs.QRVisible {
			// QR disappeared: the operator scanned it.
			return model.StatusConnecting
		}
		return model.StatusQRNeeded
	case model.StatusConnecting:
		if obs.ChatListVisible {
			return model.StatusConnected
		}
		if obs.QRVisible {
			// Pairing failed, the client fell back to a fresh QR.
			return model.StatusQRNeeded
		}
		return model.StatusConnecting
	case model.StatusConnected:
		if obs.QRVisible {
			// Logged out by the provider. Restart the flow from scratch.
			return model.StatusPending
		}
		return model.StatusConnected
	default:
		return status
	}
}

// QRStale reports whether the stored QR needs recapturing.
func QRStale(conn *model.Connection, now time.Time) bool {
	if conn.QRCodeBase64 == "" || conn.QRGeneratedAt == nil {
		return true
	}
	return now.Sub(*conn.QRGeneratedAt) > QRStaleAfter
}

// LoginMachine advances connections through the login lifecycle, one
// idempotent tick at a time.
type LoginMachine struct {
	manager *Manager
	store   storage.Storage
	now     func() time.Time
	log     *slog.Logger
}

// NewLoginMachine creates a LoginMachine.
func NewLoginMachine(manager *Manager, store storage.Storage, log *slog.Logger) *LoginMachine {
	return &LoginMachine{manager: manager, store: store, now: time.Now, log: log}
}

// Observe probes the page for the login-relevant DOM state.
func Observe(ctx context.Context, page Page) (Observation, error) {
	var obs Observation
	for _, sel := range qrSelectors {
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return obs, fmt.Errorf("probe qr: %w", err)
		}
		if ok {
			obs.QRVisible = true
			break
		}
	}
	for _, sel := range chatListSelectors {
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return obs, fmt.Errorf("probe chat list: %w", err)
		}
		if ok {
			obs.ChatListVisible = true
			break
		}
	}
	return obs, nil
}

// Tick advances one connection. It acquires the session, observes the
// DOM, captures a fresh QR when needed, and persists any state change.
func (lm *LoginMachine) Tick(ctx context.Context, conn *model.Connection) error {
	h, err := lm.manager.Acquire(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	page := h.Page

	if conn.Status == model.StatusPending {
		// Acquire already opened the client URL; just advance.
		if err := lm.store.SetConnectionStatus(ctx, conn.ID, model.StatusQRNeeded, ""); err != nil {
			return fmt.Errorf("advance to qr_needed: %w", err)
		}
		lm.log.Info("client opened, awaiting credential scan",
			"connection_id", conn.ID, "nickname", conn.Nickname)
		return nil
	}

	obs, err := Observe(ctx, page)
	if err != nil {
		return err
	}

	if conn.Status == model.StatusQRNeeded && obs.QRVisible && QRStale(conn, lm.now()) {
		if err := lm.captureQR(ctx, page, conn); err != nil {
			lm.log.Error("capture qr", "connection_id", conn.ID, "error", err)
		}
	}

	next := Next(conn.Status, obs)
	if next == conn.Status {
		return nil
	}

	switch next {
	case model.StatusConnected:
		now := lm.now().UTC()
		if err := lm.store.SetConnectionQR(ctx, conn.ID, "", nil); err != nil {
			return fmt.Errorf("clear qr: %w", err)
		}
		if err := lm.store.SetConnectionStatus(ctx, conn.ID, model.StatusConnected, ""); err != nil {
			return fmt.Errorf("mark connected: %w", err)
		}
		if err := lm.store.TouchConnection(ctx, conn.ID); err != nil {
			return fmt.Errorf("touch connection: %w", err)
		}
		lm.log.Info("connection fully connected",
			"connection_id", conn.ID, "nickname", conn.Nickname, "at", now.Format(time.RFC3339))
	case model.StatusPending:
		// Session expired while connected.
		if err := lm.store.SetConnectionQR(ctx, conn.ID, "", nil); err != nil {
			return fmt.Errorf("clear qr: %w", err)
		}
		if err := lm.store.SetConnectionStatus(ctx, conn.ID, model.StatusPending, "authentication expired"); err != nil {
			return fmt.Errorf("reset to pending: %w", err)
		}
		lm.log.Warn("logout detected, restarting login flow", "connection_id", conn.ID)
	default:
		if err := lm.store.SetConnectionStatus(ctx, conn.ID, next, ""); err != nil {
			return fmt.Errorf("set status %s: %w", next, err)
		}
		lm.log.Info("login state advanced",
			"connection_id", conn.ID, "from", string(conn.Status), "to", string(next))
	}
	return nil
}

func (lm *LoginMachine) captureQR(ctx context.Context, page Page, conn *model.Connection) error {
	for _, sel := range qrSelectors {
		ok, err := page.Exists(ctx, sel)
		if err != nil || !ok {
			continue
		}
		data, err := page.ElementScreenshot(ctx, sel)
		if err != nil {
			return fmt.Errorf("screenshot qr: %w", err)
		}
		now := lm.now().UTC()
		if err := lm.store.SetConnectionQR(ctx, conn.ID, data, &now); err != nil {
			return fmt.Errorf("store qr: %w", err)
		}
		conn.QRCodeBase64 = data
		conn.QRGeneratedAt = &now
		lm.log.Info("credential captured", "connection_id", conn.ID)
		return nil
	}
	return fmt.Errorf("qr element not found")
}

// Regenerate reloads the client page and resets the connection to
// qr_needed so the next tick captures a fresh credential.
func (lm *LoginMachine) Regenerate(ctx context.Context, connectionID string) error {
	h, err := lm.manager.Acquire(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	if err := h.Page.Reload(ctx); err != nil {
		return fmt.Errorf("reload client page: %w", err)
	}
	if err := lm.store.SetConnectionQR(ctx, connectionID, "", nil); err != nil {
		return fmt.Errorf("clear qr: %w", err)
	}
	if err := lm.store.SetConnectionStatus(ctx, connectionID, model.StatusQRNeeded, ""); err != nil {
		return fmt.Errorf("reset to qr_needed: %w", err)
	}
	lm.log.Info("credential regeneration requested", "connection_id", connectionID)
	return nil
}
