package transform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

// mockHTTP answers HEAD requests from a fixed redirect map.
type mockHTTP struct {
	redirects map[string]string
	err       error
	calls     int
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	resp := &http.Response{
		Body:    io.NopCloser(strings.NewReader("")),
		Request: req,
		Header:  make(http.Header),
	}
	if next, ok := m.redirects[req.URL.String()]; ok {
		resp.StatusCode = http.StatusMovedPermanently
		resp.Header.Set("Location", next)
	} else {
		resp.StatusCode = http.StatusOK
	}
	return resp, nil
}

func TestResolveFollowsChain(t *testing.T) {
	client := &mockHTTP{redirects: map[string]string{
		"https://amzn.to/abc":                "https://www.amazon.com.br/gp/r?u=x",
		"https://www.amazon.com.br/gp/r?u=x": "https://www.amazon.com.br/dp/B000111222",
	}}
	r := NewResolver(client)

	got := r.Resolve(context.Background(), "https://amzn.to/abc")
	if got != "https://www.amazon.com.br/dp/B000111222" {
		t.Fatalf("resolved to %q", got)
	}
}

func TestResolveNoRedirect(t *testing.T) {
	r := NewResolver(&mockHTTP{})
	url := "https://www.amazon.com.br/dp/B000111222"
	if got := r.Resolve(context.Background(), url); got != url {
		t.Fatalf("resolved to %q, want input unchanged", got)
	}
}

func TestResolveFailsOpen(t *testing.T) {
	client := &mockHTTP{err: errors.New("connection refused")}
	r := NewResolver(client)

	url := "https://amzn.to/abc"
	if got := r.Resolve(context.Background(), url); got != url {
		t.Fatalf("resolved to %q, want original link on transport error", got)
	}
}

func TestResolveRedirectCap(t *testing.T) {
	// Self-redirect never terminates, the budget must.
	client := &mockHTTP{redirects: map[string]string{
		"https://loop.test/a": "https://loop.test/a",
	}}
	r := NewResolver(client)

	url := "https://loop.test/a"
	if got := r.Resolve(context.Background(), url); got != url {
		t.Fatalf("resolved to %q, want original link when budget exhausted", got)
	}
	if client.calls != 5 {
		t.Fatalf("made %d requests, want 5", client.calls)
	}
}
