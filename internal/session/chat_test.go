package session

import (
	"context"
	"testing"
)

func TestTypeText(t *testing.T) {
	page := newFakePage()
	if err := TypeText(context.Background(), page, "Olá!", 0, 0); err != nil {
		t.Fatalf("type: %v", err)
	}
	if got := string(page.typed); got != "Olá!" {
		t.Fatalf("typed %q, want Olá!", got)
	}
}

func TestTypeTextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := newFakePage()
	if err := TypeText(ctx, page, "abc", 0, 0); err == nil {
		t.Fatal("expected context error")
	}
	if len(page.typed) > 1 {
		t.Fatalf("typed %d characters after cancellation", len(page.typed))
	}
}

func TestCSSEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`Promo "Top" Ofertas`, `Promo \"Top\" Ofertas`},
		{`back\slash`, `back\\slash`},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := cssEscape(tt.in); got != tt.want {
			t.Errorf("cssEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLatestMessageText(t *testing.T) {
	page := newFakePage()
	page.present[`div[data-testid="msg-container"]:last-child`] = true
	page.texts[`div[data-testid="msg-container"]:last-child span.copyable-text`] = "  Oferta nova  "

	got, err := LatestMessageText(context.Background(), page)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != "Oferta nova" {
		t.Fatalf("text = %q", got)
	}
}

func TestLatestMessageTextEmptyChat(t *testing.T) {
	page := newFakePage()
	got, err := LatestMessageText(context.Background(), page)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != "" {
		t.Fatalf("text = %q, want empty", got)
	}
}

func TestFocusComposeNotFound(t *testing.T) {
	page := newFakePage()
	if err := FocusCompose(context.Background(), page); err == nil {
		t.Fatal("expected an error when no compose box exists")
	}
}

func TestOpenGroupValidatesHeader(t *testing.T) {
	page := newFakePage()
	page.present[`div[data-testid="chat-list-search"]`] = true
	page.present[`span[title="Deals A"]`] = true
	page.texts[headerTitleSelector] = "Deals A"

	if err := OpenGroup(context.Background(), page, "Deals A", 0, 0); err != nil {
		t.Fatalf("open group: %v", err)
	}
	if len(page.clicked) != 2 {
		t.Fatalf("clicked %v, want search box then result", page.clicked)
	}
	if page.clicked[1] != `span[title="Deals A"]` {
		t.Fatalf("clicked result %q", page.clicked[1])
	}
	if string(page.typed) != "Deals A" {
		t.Fatalf("typed %q", string(page.typed))
	}
}

func TestOpenGroupWrongConversation(t *testing.T) {
	page := newFakePage()
	page.present[`div[data-testid="chat-list-search"]`] = true
	page.present[`div[role="listitem"]`] = true
	page.texts[headerTitleSelector] = "Some Other Group"

	if err := OpenGroup(context.Background(), page, "Deals A", 0, 0); err == nil {
		t.Fatal("expected a header mismatch error")
	}
}
