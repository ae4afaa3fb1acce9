// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateConnection(ctx context.Context, conn *model.Connection) error
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	ListConnectionsByStatus(ctx context.Context, statuses ...model.ConnectionStatus) ([]model.Connection, error)
	UpdateConnection(ctx context.Context, conn *model.Connection) error
	SetConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastError string) error
	SetConnectionQR(ctx context.Context, id, qrBase64 string, generatedAt *time.Time) error
	TouchConnection(ctx context.Context, id string) error
	DeleteConnection(ctx context.Context, id string) error

	// GetAffiliateTag returns the tag code for (user, store), or "" when
	// none is configured.
	GetAffiliateTag(ctx context.Context, userID, storeSlug string) (string, error)
	UpsertAffiliateTag(ctx context.Context, tag model.AffiliateTag) error

	// MarkMessageSeen records a monitored message. Inserting an already
	// recorded (connection, group, message) triple is a no-op reported
	// as false, so exactly one of any set of racing callers sees true.
	MarkMessageSeen(ctx context.Context, rec model.MessageRecord) (bool, error)
	IsMessageSeen(ctx context.Context, connectionID, groupName, messageID string) (bool, error)

	AppendOfferAudit(ctx context.Context, audit *model.OfferAudit) error
	CountSendsSince(ctx context.Context, connectionID string, since time.Time) (int, error)

	RecordSend(ctx context.Context, log model.SendLog) error
	WasSentWithin(ctx context.Context, userID, destinationGroup, productUniqueID string, window time.Duration) (bool, error)

	IsStoreBlacklisted(ctx context.Context, userID, storeSlug string) (bool, error)
	AddStoreToBlacklist(ctx context.Context, userID, storeSlug string) error

	UpsertDiscoveredGroup(ctx context.Context, group model.DiscoveredGroup) error
	ListDiscoveredGroups(ctx context.Context, connectionID string) ([]model.DiscoveredGroup, error)

	Close() error
}
