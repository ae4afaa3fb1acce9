package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
	"github.com/Ruankm/autopromo/internal/transform"
)

type mockPublisher struct {
	mu       sync.Mutex
	messages []model.RawMessage
	err      error
}

func (p *mockPublisher) Publish(_ context.Context, msg model.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *mockPublisher) getMessages() []model.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.RawMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "OFERTA Imperdível", "oferta imperdível"},
		{"collapses whitespace", "promo\n\n  de   hoje\t!", "promo de hoje !"},
		{"trims", "  x  ", "x"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.in); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDedupHash(t *testing.T) {
	a := DedupHash("u1", "https://example.com", "some offer text")
	b := DedupHash("u1", "https://example.com", "some offer text")
	if a != b {
		t.Fatal("hash must be stable for identical input")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}

	if DedupHash("u2", "https://example.com", "some offer text") == a {
		t.Fatal("different users must hash differently")
	}

	// Only the first 100 bytes of the normalized text contribute.
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	c := DedupHash("u1", "", string(long))
	d := DedupHash("u1", "", string(long[:100])+"different tail here")
	if c != d {
		t.Fatal("text beyond the 100-byte snippet must not change the hash")
	}
}

func TestGateSubmitDedup(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	g := New(NewMemoryDeduper(), pub, transform.ExtractLinks, 10*time.Minute, discardLogger())

	msg := model.RawMessage{
		UserID:        "u1",
		SourceGroupID: "Promo Hunters",
		RawText:       "Fone bluetooth por R$ 99,90 https://amzn.to/abc123",
	}

	res, err := g.Submit(ctx, msg)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if res.Status != StatusAccepted {
		t.Fatalf("status = %q, want accepted", res.Status)
	}
	if res.DedupHash == "" {
		t.Fatal("expected a dedup hash")
	}

	res, err = g.Submit(ctx, msg)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Status != StatusDuplicate {
		t.Fatalf("status = %q, want duplicate", res.Status)
	}

	got := pub.getMessages()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if got[0].DedupHash != res.DedupHash {
		t.Fatal("published message must carry the dedup hash")
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("published message must have a timestamp")
	}
}

func TestGateSubmitCosmeticEdit(t *testing.T) {
	ctx := context.Background()
	pub := &mockPublisher{}
	g := New(NewMemoryDeduper(), pub, transform.ExtractLinks, 10*time.Minute, discardLogger())

	first := model.RawMessage{UserID: "u1", RawText: "OFERTA relâmpago https://amzn.to/abc123"}
	second := model.RawMessage{UserID: "u1", RawText: "oferta   relâmpago https://amzn.to/abc123"}

	if res, err := g.Submit(ctx, first); err != nil || res.Status != StatusAccepted {
		t.Fatalf("first submit: %v / %+v", err, res)
	}
	res, err := g.Submit(ctx, second)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Status != StatusDuplicate {
		t.Fatal("whitespace and case changes must not defeat dedup")
	}
}
