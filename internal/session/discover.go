package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/Ruankm/autopromo/internal/model"
)

const discoverScrollBudget = 15

// DiscoverGroups scrolls the conversation list and extracts every group
// conversation's display name plus its last-message preview.
func DiscoverGroups(ctx context.Context, page Page) ([]model.DiscoveredGroup, error) {
	// The groups filter tab narrows the list; ignore failure and scan
	// the full chat list instead.
	for _, sel := range []string{`button[aria-label*="Grupos"]`, `button[aria-label*="Groups"]`} {
		ok, err := page.Exists(ctx, sel)
		if err != nil {
			return nil, fmt.Errorf("probe groups tab: %w", err)
		}
		if ok {
			if err := page.Click(ctx, sel); err == nil {
				_ = Sleep(ctx, time.Second)
			}
			break
		}
	}

	listSel, err := firstExisting(ctx, page, []string{`[data-testid="chat-list"]`, `#pane-side`})
	if err != nil {
		return nil, fmt.Errorf("find chat list: %w", err)
	}
	if listSel == "" {
		return nil, fmt.Errorf("chat list not visible")
	}

	for i := 0; i < discoverScrollBudget; i++ {
		expr := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (el) el.scrollBy(0, 1000);
			return "";
		})()`, listSel)
		if _, err := page.Evaluate(ctx, expr); err != nil {
			return nil, fmt.Errorf("scroll chat list: %w", err)
		}
		if err := Sleep(ctx, 500*time.Millisecond); err != nil {
			return nil, err
		}
	}

	raw, err := page.Evaluate(ctx, `(() => {
		const out = [];
		const items = document.querySelectorAll('[data-testid^="cell-frame-container"], div[role="listitem"]');
		for (const item of items) {
			if (!item.querySelector('[data-icon="group"]')) continue;
			const title = item.querySelector('[title]');
			if (!title) continue;
			const preview = item.querySelector('.selectable-text');
			out.push({
				name: title.getAttribute('title'),
				preview: preview ? preview.textContent.slice(0, 200) : ""
			});
		}
		return JSON.stringify(out);
	})()`)
	if err != nil {
		return nil, fmt.Errorf("extract group list: %w", err)
	}

	var entries []struct {
		Name    string `json:"name"`
		Preview string `json:"preview"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode group list: %w", err)
	}

	now := time.Now().UTC()
	groups := make([]model.DiscoveredGroup, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		groups = append(groups, model.DiscoveredGroup{
			DisplayName:        e.Name,
			LastMessagePreview: e.Preview,
			LastSyncAt:         now,
		})
	}
	return groups, nil
}
