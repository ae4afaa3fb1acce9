// Package model defines the domain types used across the application.
package model

import "time"

// ConnectionStatus is the authentication state of a messaging connection.
type ConnectionStatus string

// Connection lifecycle states, advanced by the login state machine.
const (
	StatusPending      ConnectionStatus = "pending"
	StatusQRNeeded     ConnectionStatus = "qr_needed"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Connection represents one operator-authenticated messaging account plus
// its configured source/destination groups and pacing limits.
type Connection struct {
	ID       string
	UserID   string
	Nickname string
	Phone    string
	Status   ConnectionStatus

	// Credential artifact surfaced to the operator while status is
	// qr_needed. Cleared once the session is fully connected.
	QRCodeBase64  string
	QRGeneratedAt *time.Time

	SourceGroups      []string
	DestinationGroups []string

	// Pacing limits, in seconds. Per-group applies between sends to the
	// same destination; global applies between any two sends on this
	// connection.
	MinIntervalPerGroup int
	MinIntervalGlobal   int
	MaxMessagesPerDay   int

	LastActivityAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AffiliateTag maps (user, store) to the operator's affiliate code.
type AffiliateTag struct {
	UserID    string
	StoreSlug string
	TagCode   string
}

// MessageRecord is the durable dedup boundary for monitored messages.
// The triple (ConnectionID, GroupName, MessageID) is unique.
type MessageRecord struct {
	ConnectionID string
	GroupName    string
	MessageID    string
	TextHash     string
	Timestamp    int64
	ProcessedAt  time.Time
}

// LinkRewrite records one link transformation inside a relayed message.
type LinkRewrite struct {
	Original  string `json:"original"`
	Rewritten string `json:"rewritten"`
	StoreSlug string `json:"store_slug,omitempty"`
}

// OfferAudit is the append-only record written once per successful send.
type OfferAudit struct {
	ID               int64
	ConnectionID     string
	SourceGroup      string
	DestinationGroup string
	OriginalText     string
	FinalText        string
	Links            []LinkRewrite
	PreviewRendered  bool
	DurationMS       int64
	CreatedAt        time.Time
}

// SendLog drives the 24h per-destination repost suppression.
type SendLog struct {
	UserID           string
	DestinationGroup string
	ProductUniqueID  string
	SentAt           time.Time
}

// DiscoveredGroup is a conversation found while scanning the provider's
// group list on behalf of a connection.
type DiscoveredGroup struct {
	ConnectionID       string
	DisplayName        string
	LastMessagePreview string
	LastSyncAt         time.Time
}

// Job is one destination-scoped send produced by the transform pipeline
// and carried through the dispatch queue.
type Job struct {
	ID               string
	ConnectionID     string
	UserID           string
	SourceGroup      string
	DestinationGroup string
	OriginalText     string
	Text             string
	Links            []LinkRewrite
	ProductUniqueID  string
	PriceCents       int64
	CreatedAt        time.Time
}

// RawMessage is the platform-agnostic shape accepted by the ingestion
// gate, either from a provider webhook or from DOM polling.
type RawMessage struct {
	UserID         string    `json:"user_id"`
	SourcePlatform string    `json:"source_platform"`
	SourceGroupID  string    `json:"source_group_id"`
	RawText        string    `json:"raw_text"`
	MediaURLs      []string  `json:"media_urls,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	DedupHash      string    `json:"dedup_hash,omitempty"`
}
