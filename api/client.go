// Package api is the HTTP client for the feed backend. It is the only
// place network submissions and feed fetches happen; everything above it
// decides when to call, everything below it decides where bytes live.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	feedsync "github.com/campusfeed/feed-sync"
)

// ErrNotFound is returned when the backend has no such feed partition.
var ErrNotFound = errors.New("api: not found")

const defaultTimeout = 30 * time.Second

// Client talks to the feed backend.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the backend base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithAuthToken sets the bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a feed backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{Timeout: defaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitPost sends a queued submission to the backend. The submission's
// key travels as an idempotency header so a retried request that already
// landed is not posted twice; the backend answers such replays with 409,
// which counts as success here.
func (c *Client) SubmitPost(ctx context.Context, sub feedsync.Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/posts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.Key())
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("submitting post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// A previous attempt already landed.
		c.logger.Debug("submission already accepted upstream", "key", sub.Key())
		return nil
	default:
		return fmt.Errorf("submitting post: unexpected status %d", resp.StatusCode)
	}
}

type pageResponse struct {
	Items []feedsync.Post `json:"items"`
}

// FetchPage retrieves the current page of posts for a feed partition.
func (c *Client) FetchPage(ctx context.Context, partitionKey string) ([]feedsync.Post, error) {
	u := c.baseURL + "/feeds/" + url.PathEscape(partitionKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %q: %w", partitionKey, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("feed %q: %w", partitionKey, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching feed %q: unexpected status %d", partitionKey, resp.StatusCode)
	}

	var page pageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding feed %q: %w", partitionKey, err)
	}
	if page.Items == nil {
		page.Items = []feedsync.Post{}
	}

	return page.Items, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
