package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Page is the DOM surface the rest of the system drives. The DevTools
// implementation is swappable for a provider-API-based one without
// touching the monitor or sender logic.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error

	// Evaluate runs an expression and returns its value as a string.
	Evaluate(ctx context.Context, expr string) (string, error)

	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	InnerText(ctx context.Context, selector string) (string, error)

	TypeChar(ctx context.Context, r rune) error
	PressKey(ctx context.Context, key string) error

	// ElementScreenshot captures one element as base64 PNG.
	ElementScreenshot(ctx context.Context, selector string) (string, error)

	Close() error
}

// opTimeout bounds every DOM operation. A hung page must surface as a
// liveness failure, not a stalled loop.
const opTimeout = 10 * time.Second

type cdpPage struct {
	client *Client
}

// NewPage wraps a DevTools client as a Page.
func NewPage(client *Client) Page {
	return &cdpPage{client: client}
}

func (p *cdpPage) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return p.client.Call(ctx, method, params)
}

func (p *cdpPage) Navigate(ctx context.Context, url string) (err error) {
	_, err = p.call(ctx, "Page.navigate", map[string]any{"url": url})
	return err
}

func (p *cdpPage) Reload(ctx context.Context) error {
	_, err := p.call(ctx, "Page.reload", nil)
	return err
}

type evalResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails,omitempty"`
}

func (p *cdpPage) Evaluate(ctx context.Context, expr string) (string, error) {
	raw, err := p.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var res evalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode evaluate result: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("evaluate: %s", res.ExceptionDetails.Text)
	}
	if res.Result.Value == nil {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(res.Result.Value, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(res.Result.Value)), nil
}

func (p *cdpPage) Exists(ctx context.Context, selector string) (bool, error) {
	v, err := p.Evaluate(ctx, fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(selector)))
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (p *cdpPage) Click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.scrollIntoView({block: "center"});
		el.click();
		return "ok";
	})()`, strconv.Quote(selector))
	v, err := p.Evaluate(ctx, expr)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("click %s: element not found", selector)
	}
	return nil
}

func (p *cdpPage) InnerText(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? el.innerText : "";
	})()`, strconv.Quote(selector))
	return p.Evaluate(ctx, expr)
}

func (p *cdpPage) TypeChar(ctx context.Context, r rune) error {
	_, err := p.call(ctx, "Input.dispatchKeyEvent", map[string]any{
		"type": "char",
		"text": string(r),
	})
	return err
}

// virtual key codes for the keys the flows press.
var keyCodes = map[string]int{
	"Enter":     13,
	"Backspace": 8,
	"Escape":    27,
}

func (p *cdpPage) PressKey(ctx context.Context, key string) error {
	code, ok := keyCodes[key]
	if !ok {
		return fmt.Errorf("press key %q: unsupported key", key)
	}

	down := map[string]any{
		"type":                  "rawKeyDown",
		"key":                   key,
		"windowsVirtualKeyCode": code,
		"nativeVirtualKeyCode":  code,
	}
	if _, err := p.call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return err
	}
	if key == "Enter" {
		char := map[string]any{"type": "char", "text": "\r"}
		if _, err := p.call(ctx, "Input.dispatchKeyEvent", char); err != nil {
			return err
		}
	}
	up := map[string]any{
		"type":                  "keyUp",
		"key":                   key,
		"windowsVirtualKeyCode": code,
		"nativeVirtualKeyCode":  code,
	}
	_, err := p.call(ctx, "Input.dispatchKeyEvent", up)
	return err
}

type boundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (p *cdpPage) ElementScreenshot(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "";
		const r = el.getBoundingClientRect();
		return JSON.stringify({x: r.x, y: r.y, width: r.width, height: r.height});
	})()`, strconv.Quote(selector))
	v, err := p.Evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("screenshot %s: element not found", selector)
	}

	var box boundingBox
	if err := json.Unmarshal([]byte(v), &box); err != nil {
		return "", fmt.Errorf("decode bounding box: %w", err)
	}
	if box.Width == 0 || box.Height == 0 {
		return "", fmt.Errorf("screenshot %s: element has no size", selector)
	}

	raw, err := p.call(ctx, "Page.captureScreenshot", map[string]any{
		"format": "png",
		"clip": map[string]any{
			"x": box.X, "y": box.Y,
			"width": box.Width, "height": box.Height,
			"scale": 1,
		},
	})
	if err != nil {
		return "", err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	return shot.Data, nil
}

func (p *cdpPage) Close() error {
	return p.client.Close()
}
