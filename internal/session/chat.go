package session

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Selector fallbacks for the chat surfaces the flows touch. The client
// renames data-testids between versions, so every lookup tries a list.
var (
	searchSelectors = []string{
		`div[data-testid="chat-list-search"]`,
		`div[contenteditable="true"][data-tab="3"]`,
		`div[title="Search input textbox"]`,
	}
	resultSelectors = []string{
		`div[data-testid="cell-frame-container"]`,
		`div[role="listitem"]`,
	}
	headerTitleSelector = `[data-testid="conversation-header"] [title]`

	composeSelectors = []string{
		`[data-testid="conversation-compose-box-input"]`,
		`div[contenteditable="true"][data-tab="10"]`,
	}

	lastMessageSelectors = []string{
		`div[data-testid="msg-container"]:last-child`,
		`div.message-in:last-child`,
	}
	messageTextSelectors = []string{
		`span.copyable-text`,
		`span[dir="ltr"]`,
	}
)

// Sleep waits for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepBetween(ctx context.Context, min, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	return Sleep(ctx, d)
}

// TypeText types text character by character with a randomized delay per
// keystroke, the way a person would.
func TypeText(ctx context.Context, page Page, text string, minDelay, maxDelay time.Duration) error {
	for _, r := range text {
		if err := page.TypeChar(ctx, r); err != nil {
			return fmt.Errorf("type character: %w", err)
		}
		if err := sleepBetween(ctx, minDelay, maxDelay); err != nil {
			return err
		}
	}
	return nil
}

// firstExisting returns the first selector present on the page.
func firstExisting(ctx context.Context, page Page, selectors []string) (string, error) {
	for _, sel := range selectors {
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return "", err
		}
		if ok {
			return sel, nil
		}
	}
	return "", nil
}

func cssEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// OpenGroup locates a conversation by typing its name into the client's
// search field and clicking the first result, then validates the opened
// conversation's header.
func OpenGroup(ctx context.Context, page Page, group string, minDelay, maxDelay time.Duration) error {
	searchSel, err := firstExisting(ctx, page, searchSelectors)
	if err != nil {
		return fmt.Errorf("find search box: %w", err)
	}
	if searchSel == "" {
		return fmt.Errorf("search box not found")
	}

	if err := page.Click(ctx, searchSel); err != nil {
		return fmt.Errorf("focus search box: %w", err)
	}
	if _, err := page.Evaluate(ctx, `document.execCommand("selectAll", false, null)`); err != nil {
		return fmt.Errorf("clear search box: %w", err)
	}
	if err := page.PressKey(ctx, "Backspace"); err != nil {
		return fmt.Errorf("clear search box: %w", err)
	}

	if err := TypeText(ctx, page, group, minDelay, maxDelay); err != nil {
		return fmt.Errorf("type group name: %w", err)
	}
	if err := Sleep(ctx, 1200*time.Millisecond); err != nil {
		return err
	}

	// Prefer the result whose title matches exactly, then fall back to
	// the first result row.
	candidates := append([]string{fmt.Sprintf(`span[title="%s"]`, cssEscape(group))}, resultSelectors...)
	resultSel, err := firstExisting(ctx, page, candidates)
	if err != nil {
		return fmt.Errorf("find search result: %w", err)
	}
	if resultSel == "" {
		return fmt.Errorf("group %q not found in search results", group)
	}
	if err := page.Click(ctx, resultSel); err != nil {
		return fmt.Errorf("open search result: %w", err)
	}
	if err := sleepBetween(ctx, 500*time.Millisecond, time.Second); err != nil {
		return err
	}

	title, err := page.InnerText(ctx, headerTitleSelector)
	if err != nil {
		return fmt.Errorf("read conversation header: %w", err)
	}
	if title != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(group)) {
		return fmt.Errorf("opened conversation %q, wanted %q", title, group)
	}
	return nil
}

// FocusCompose clicks the conversation's message input.
func FocusCompose(ctx context.Context, page Page) error {
	sel, err := firstExisting(ctx, page, composeSelectors)
	if err != nil {
		return fmt.Errorf("find compose box: %w", err)
	}
	if sel == "" {
		return fmt.Errorf("compose box not found")
	}
	if err := page.Click(ctx, sel); err != nil {
		return fmt.Errorf("focus compose box: %w", err)
	}
	return nil
}

// LatestMessageText extracts the text of the newest message in the open
// conversation, or "" when none is visible.
func LatestMessageText(ctx context.Context, page Page) (string, error) {
	msgSel, err := firstExisting(ctx, page, lastMessageSelectors)
	if err != nil {
		return "", err
	}
	if msgSel == "" {
		return "", nil
	}
	for _, textSel := range messageTextSelectors {
		text, err := page.InnerText(ctx, msgSel+" "+textSel)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
	}
	text, err := page.InnerText(ctx, msgSel)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
