// Package ingest accepts raw messages pushed from provider callbacks,
// rejects hash-level duplicates, and queues the survivors for the
// transform pipeline.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeText lowercases the text and collapses runs of whitespace.
// The dedup hash is computed over this form so that cosmetic edits to
// an offer do not defeat deduplication.
func NormalizeText(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(text), " "))
}

// CanonicalLink returns the first URL in the raw text, or "" when the
// message carries no link.
func CanonicalLink(links []string) string {
	if len(links) == 0 {
		return ""
	}
	return links[0]
}

// DedupHash derives the ingestion dedup key from the user, the first
// link, and a prefix of the normalized text.
func DedupHash(userID, canonicalLink, normalized string) string {
	snippet := normalized
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	sum := sha256.Sum256([]byte(userID + "|" + canonicalLink + "|" + snippet))
	return hex.EncodeToString(sum[:])
}

// Status of a submission.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// Result reports what the gate did with a submission.
type Result struct {
	Status    string
	DedupHash string
}

// Publisher enqueues an accepted message for downstream processing.
type Publisher interface {
	Publish(ctx context.Context, msg model.RawMessage) error
}

// LinkExtractor finds URLs in raw text. It matches the transform
// package's extractor so the gate and the pipeline agree on what the
// canonical link is.
type LinkExtractor func(text string) []string

// Gate is the hash-based second dedup layer in front of the queue.
type Gate struct {
	dedup     Deduper
	publisher Publisher
	extract   LinkExtractor
	ttl       time.Duration
	log       *slog.Logger
}

// New creates a Gate.
func New(dedup Deduper, publisher Publisher, extract LinkExtractor, ttl time.Duration, log *slog.Logger) *Gate {
	return &Gate{
		dedup:     dedup,
		publisher: publisher,
		extract:   extract,
		ttl:       ttl,
		log:       log,
	}
}

// Submit normalizes the message, checks the dedup store, and queues the
// message when it is the first sighting within the TTL.
func (g *Gate) Submit(ctx context.Context, msg model.RawMessage) (Result, error) {
	normalized := NormalizeText(msg.RawText)
	canonical := CanonicalLink(g.extract(msg.RawText))
	hash := DedupHash(msg.UserID, canonical, normalized)

	fresh, err := g.dedup.SetIfAbsent(ctx, hash, g.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("check dedup store: %w", err)
	}
	if !fresh {
		g.log.Info("duplicate message rejected",
			"user_id", msg.UserID, "source_group", msg.SourceGroupID, "hash", hash)
		return Result{Status: StatusDuplicate, DedupHash: hash}, nil
	}

	msg.DedupHash = hash
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := g.publisher.Publish(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("queue message: %w", err)
	}

	g.log.Info("message accepted",
		"user_id", msg.UserID, "source_group", msg.SourceGroupID, "hash", hash)
	return Result{Status: StatusAccepted, DedupHash: hash}, nil
}
