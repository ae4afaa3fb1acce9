package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateConnection inserts a new connection and populates its timestamps.
func (s *SQLite) CreateConnection(ctx context.Context, conn *model.Connection) error {
	now := time.Now().UTC().Format(timeLayout)
	src, err := json.Marshal(conn.SourceGroups)
	if err != nil {
		return fmt.Errorf("marshal source groups: %w", err)
	}
	dst, err := json.Marshal(conn.DestinationGroups)
	if err != nil {
		return fmt.Errorf("marshal destination groups: %w", err)
	}
	if conn.Status == "" {
		conn.Status = model.StatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (id, user_id, nickname, phone, status, qr_code_base64, qr_generated_at,
		                          source_groups, destination_groups, min_interval_per_group,
		                          min_interval_global, max_messages_per_day, last_activity_at,
		                          last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.UserID, conn.Nickname, conn.Phone, string(conn.Status),
		conn.QRCodeBase64, formatTimePtr(conn.QRGeneratedAt),
		string(src), string(dst), conn.MinIntervalPerGroup,
		conn.MinIntervalGlobal, conn.MaxMessagesPerDay, formatTimePtr(conn.LastActivityAt),
		conn.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	conn.CreatedAt, _ = time.Parse(timeLayout, now)
	conn.UpdatedAt = conn.CreatedAt
	return nil
}

const connectionColumns = `id, user_id, nickname, phone, status, qr_code_base64, qr_generated_at,
       source_groups, destination_groups, min_interval_per_group, min_interval_global,
       max_messages_per_day, last_activity_at, last_error, created_at, updated_at`

// GetConnection returns a single connection by its ID.
func (s *SQLite) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id,
	)
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conn, err
}

// ListConnectionsByStatus returns all connections in any of the given states.
func (s *SQLite) ListConnectionsByStatus(ctx context.Context, statuses ...model.ConnectionStatus) ([]model.Connection, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE status IN (`+placeholders+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

// UpdateConnection persists changes to an existing connection.
func (s *SQLite) UpdateConnection(ctx context.Context, conn *model.Connection) error {
	src, err := json.Marshal(conn.SourceGroups)
	if err != nil {
		return fmt.Errorf("marshal source groups: %w", err)
	}
	dst, err := json.Marshal(conn.DestinationGroups)
	if err != nil {
		return fmt.Errorf("marshal destination groups: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`UPDATE connections
		 SET nickname = ?, phone = ?, status = ?, qr_code_base64 = ?, qr_generated_at = ?,
		     source_groups = ?, destination_groups = ?, min_interval_per_group = ?,
		     min_interval_global = ?, max_messages_per_day = ?, last_activity_at = ?,
		     last_error = ?, updated_at = ?
		 WHERE id = ?`,
		conn.Nickname, conn.Phone, string(conn.Status), conn.QRCodeBase64, formatTimePtr(conn.QRGeneratedAt),
		string(src), string(dst), conn.MinIntervalPerGroup,
		conn.MinIntervalGlobal, conn.MaxMessagesPerDay, formatTimePtr(conn.LastActivityAt),
		conn.LastError, now, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	return nil
}

// SetConnectionStatus updates a connection's status and last-error text.
func (s *SQLite) SetConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastError string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, now, id,
	)
	if err != nil {
		return fmt.Errorf("set connection status: %w", err)
	}
	return nil
}

// SetConnectionQR stores or clears the credential artifact.
func (s *SQLite) SetConnectionQR(ctx context.Context, id, qrBase64 string, generatedAt *time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET qr_code_base64 = ?, qr_generated_at = ?, updated_at = ? WHERE id = ?`,
		qrBase64, formatTimePtr(generatedAt), now, id,
	)
	if err != nil {
		return fmt.Errorf("set connection qr: %w", err)
	}
	return nil
}

// TouchConnection updates the last-activity timestamp.
func (s *SQLite) TouchConnection(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

// DeleteConnection removes a connection and everything scoped to it.
func (s *SQLite) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_records WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete message records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offer_audits WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete offer audits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM discovered_groups WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete discovered groups: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return tx.Commit()
}

// GetAffiliateTag returns the tag code for (user, store), or "" when absent.
func (s *SQLite) GetAffiliateTag(ctx context.Context, userID, storeSlug string) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT tag_code FROM affiliate_tags WHERE user_id = ? AND store_slug = ?`,
		userID, storeSlug,
	).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get affiliate tag: %w", err)
	}
	return code, nil
}

// UpsertAffiliateTag creates or replaces a user's tag for a store.
func (s *SQLite) UpsertAffiliateTag(ctx context.Context, tag model.AffiliateTag) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO affiliate_tags (user_id, store_slug, tag_code, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, store_slug) DO UPDATE SET tag_code = excluded.tag_code`,
		tag.UserID, tag.StoreSlug, tag.TagCode, now,
	)
	if err != nil {
		return fmt.Errorf("upsert affiliate tag: %w", err)
	}
	return nil
}

// MarkMessageSeen records a processed message. Returns false when the
// triple already existed, so racing callers can tell which one owns the
// first sighting.
func (s *SQLite) MarkMessageSeen(ctx context.Context, rec model.MessageRecord) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_records (connection_id, group_name, message_id, text_hash, ts, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConnectionID, rec.GroupName, rec.MessageID, rec.TextHash, rec.Timestamp, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark message seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message seen: %w", err)
	}
	return n > 0, nil
}

// IsMessageSeen checks the durable dedup log.
func (s *SQLite) IsMessageSeen(ctx context.Context, connectionID, groupName, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_records WHERE connection_id = ? AND group_name = ? AND message_id = ?`,
		connectionID, groupName, messageID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check message seen: %w", err)
	}
	return count > 0, nil
}

// AppendOfferAudit writes one audit row for a completed send.
func (s *SQLite) AppendOfferAudit(ctx context.Context, audit *model.OfferAudit) error {
	links, err := json.Marshal(audit.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offer_audits (connection_id, source_group, destination_group, original_text,
		                           final_text, links_found, preview_rendered, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ConnectionID, audit.SourceGroup, audit.DestinationGroup, audit.OriginalText,
		audit.FinalText, string(links), boolToInt(audit.PreviewRendered), audit.DurationMS, now,
	)
	if err != nil {
		return fmt.Errorf("insert offer audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	audit.ID = id
	audit.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// CountSendsSince counts audit rows for a connection since the given time.
// Used for the daily send cap.
func (s *SQLite) CountSendsSince(ctx context.Context, connectionID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offer_audits WHERE connection_id = ? AND created_at >= ?`,
		connectionID, since.UTC().Format(timeLayout),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sends: %w", err)
	}
	return count, nil
}

// RecordSend appends a platform-wide send log entry.
func (s *SQLite) RecordSend(ctx context.Context, log model.SendLog) error {
	sentAt := log.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_logs (user_id, destination_group, product_unique_id, sent_at) VALUES (?, ?, ?, ?)`,
		log.UserID, log.DestinationGroup, log.ProductUniqueID, sentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// WasSentWithin reports whether a product was sent to the given destination
// inside the repost window.
func (s *SQLite) WasSentWithin(ctx context.Context, userID, destinationGroup, productUniqueID string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_logs
		 WHERE user_id = ? AND destination_group = ? AND product_unique_id = ? AND sent_at >= ?`,
		userID, destinationGroup, productUniqueID, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check send window: %w", err)
	}
	return count > 0, nil
}

// IsStoreBlacklisted checks the user's store blacklist.
func (s *SQLite) IsStoreBlacklisted(ctx context.Context, userID, storeSlug string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM store_blacklist WHERE user_id = ? AND store_slug = ?`,
		userID, storeSlug,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return count > 0, nil
}

// AddStoreToBlacklist blocks a store for a user. Adding twice is a no-op.
func (s *SQLite) AddStoreToBlacklist(ctx context.Context, userID, storeSlug string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO store_blacklist (user_id, store_slug) VALUES (?, ?)`,
		userID, storeSlug,
	)
	if err != nil {
		return fmt.Errorf("add to blacklist: %w", err)
	}
	return nil
}

// UpsertDiscoveredGroup creates or refreshes a discovered conversation.
func (s *SQLite) UpsertDiscoveredGroup(ctx context.Context, group model.DiscoveredGroup) error {
	syncAt := group.LastSyncAt
	if syncAt.IsZero() {
		syncAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovered_groups (connection_id, display_name, last_message_preview, last_sync_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (connection_id, display_name) DO UPDATE SET
		     last_message_preview = excluded.last_message_preview,
		     last_sync_at = excluded.last_sync_at`,
		group.ConnectionID, group.DisplayName, group.LastMessagePreview, syncAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert discovered group: %w", err)
	}
	return nil
}

// ListDiscoveredGroups returns all discovered conversations for a connection.
func (s *SQLite) ListDiscoveredGroups(ctx context.Context, connectionID string) ([]model.DiscoveredGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, display_name, last_message_preview, last_sync_at
		 FROM discovered_groups WHERE connection_id = ? ORDER BY display_name`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query discovered groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.DiscoveredGroup
	for rows.Next() {
		var g model.DiscoveredGroup
		var syncStr string
		if err := rows.Scan(&g.ConnectionID, &g.DisplayName, &g.LastMessagePreview, &syncStr); err != nil {
			return nil, fmt.Errorf("scan discovered group: %w", err)
		}
		g.LastSyncAt, _ = time.Parse(timeLayout, syncStr)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConnection(row scannable) (*model.Connection, error) {
	var c model.Connection
	var status, srcJSON, dstJSON string
	var qrAt, lastActivity, created, updated sql.NullString
	err := row.Scan(
		&c.ID, &c.UserID, &c.Nickname, &c.Phone, &status, &c.QRCodeBase64, &qrAt,
		&srcJSON, &dstJSON, &c.MinIntervalPerGroup, &c.MinIntervalGlobal,
		&c.MaxMessagesPerDay, &lastActivity, &c.LastError, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.ConnectionStatus(status)
	if err := json.Unmarshal([]byte(srcJSON), &c.SourceGroups); err != nil {
		return nil, fmt.Errorf("unmarshal source groups: %w", err)
	}
	if err := json.Unmarshal([]byte(dstJSON), &c.DestinationGroups); err != nil {
		return nil, fmt.Errorf("unmarshal destination groups: %w", err)
	}
	if qrAt.Valid {
		t, _ := time.Parse(timeLayout, qrAt.String)
		c.QRGeneratedAt = &t
	}
	if lastActivity.Valid {
		t, _ := time.Parse(timeLayout, lastActivity.String)
		c.LastActivityAt = &t
	}
	if created.Valid {
		c.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	if updated.Valid {
		c.UpdatedAt, _ = time.Parse(timeLayout, updated.String)
	}
	return &c, nil
}
