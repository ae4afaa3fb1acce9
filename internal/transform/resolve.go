package transform

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver follows short-link redirects to their final destination.
// Every failure mode falls back to the input link; resolution is an
// enrichment, never a gate.
type Resolver struct {
	client       HTTPClient
	timeout      time.Duration
	maxRedirects int
}

// NewResolver creates a Resolver with the given HTTP client.
func NewResolver(client HTTPClient) *Resolver {
	return &Resolver{
		client:       client,
		timeout:      3 * time.Second,
		maxRedirects: 5,
	}
}

// Resolve follows redirects from url and returns the final location.
// On timeout, transport error, or too many redirects it returns url.
func (r *Resolver) Resolve(ctx context.Context, url string) string {
	current := url
	for i := 0; i < r.maxRedirects; i++ {
		next, redirected, err := r.head(ctx, current)
		if err != nil {
			return url
		}
		if !redirected {
			return current
		}
		current = next
	}
	// Redirect budget exhausted, keep the short link.
	return url
}

func (r *Resolver) head(ctx context.Context, url string) (location string, redirected bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("head: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", false, nil
	}
	loc, err := resp.Location()
	if err != nil {
		return "", false, fmt.Errorf("redirect location: %w", err)
	}
	return loc.String(), true, nil
}

// NewRedirectClient returns an http.Client suitable for the Resolver:
// redirects are reported, not followed, so each hop stays bounded.
func NewRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
