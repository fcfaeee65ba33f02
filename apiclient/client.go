// Package apiclient calls the crew platform REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/crewwatch/internal/version"
	"pkt.systems/pslog"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API origin, e.g. http://localhost:8000. A trailing /api/v1
	// is accepted.
	BaseURL string
	// Tokens supplies the bearer token. When it also implements TokenSaver
	// and Saver is nil, refreshed tokens are saved back to it.
	Tokens TokenSource
	Saver  TokenSaver
	// Timeout bounds each request including a refresh retry. Zero means none.
	Timeout   time.Duration
	Transport http.RoundTripper
	UserAgent string
	Logger    pslog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	log  pslog.Logger
}

// New returns a client for cfg.
func New(cfg Config) (*Client, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("component", "apiclient")
	next := cfg.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	saver := cfg.Saver
	if saver == nil {
		if s, ok := cfg.Tokens.(TokenSaver); ok {
			saver = s
		}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	auth := &authTransport{
		next:       next,
		tokens:     cfg.Tokens,
		saver:      saver,
		refreshURL: base + endpoint("auth", "refresh"),
		userAgent:  userAgent,
		log:        logger,
	}
	return &Client{
		base: base,
		http: &http.Client{
			Transport: &loggingTransport{next: auth, log: logger},
			Timeout:   cfg.Timeout,
		},
		log: logger,
	}, nil
}

// BaseURL returns the normalized API origin.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
