// Package suggest wraps the external smart-reply service. Suggestions are
// best effort: every failure mode collapses to an empty list.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// MaxSuggestions caps how many replies a thread surfaces.
const MaxSuggestions = 3

// Service produces reply suggestions for an inbound message body.
type Service interface {
	Suggest(ctx context.Context, text string) []string
}

// Client calls an HTTP suggestion endpoint: POST {"text": ...} returning
// {"suggestions": [...]}.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a suggestion client for the given endpoint URL.
func NewClient(url string) *Client {
	return &Client{
		url:     url,
		http:    &http.Client{},
		timeout: 2 * time.Second,
	}
}

// Suggest returns up to MaxSuggestions replies. Timeouts, transport errors
// and malformed responses all yield an empty list.
func (c *Client) Suggest(ctx context.Context, text string) []string {
	if c.url == "" || text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil
	}

	var out struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil
	}
	if len(out.Suggestions) > MaxSuggestions {
		out.Suggestions = out.Suggestions[:MaxSuggestions]
	}
	return out.Suggestions
}

// Disabled is a Service that never suggests anything. Used when no endpoint
// is configured.
type Disabled struct{}

// Suggest implements Service.
func (Disabled) Suggest(context.Context, string) []string { return nil }
