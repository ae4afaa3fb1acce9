package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Ruankm/autopromo/internal/session"
)

// TextHash is the content hash stored with each message record.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MessageID derives a stable identity for a DOM-read message. The DOM
// exposes no provider id, so identity is the group plus a hash of the
// text; the same message read twice yields the same id.
func MessageID(group, text string) string {
	return group + "_" + TextHash(text)[:16]
}

// DOMReader reads conversations through a live browser page.
type DOMReader struct {
	page session.Page

	// search typing pace
	typeMin time.Duration
	typeMax time.Duration

	now func() time.Time
}

// NewDOMReader creates a reader bound to one connection's page.
func NewDOMReader(page session.Page) *DOMReader {
	return &DOMReader{
		page:    page,
		typeMin: 50 * time.Millisecond,
		typeMax: 100 * time.Millisecond,
		now:     time.Now,
	}
}

// ReadLatest opens the conversation by search and extracts its newest
// text message. Returns nil when the conversation has no readable text.
func (r *DOMReader) ReadLatest(ctx context.Context, group string) (*Message, error) {
	if err := session.OpenGroup(ctx, r.page, group, r.typeMin, r.typeMax); err != nil {
		return nil, err
	}
	text, err := session.LatestMessageText(ctx, r.page)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return &Message{
		ID:        MessageID(group, text),
		Group:     group,
		Text:      text,
		Timestamp: r.now().Unix(),
	}, nil
}
