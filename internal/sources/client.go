// Package sources holds the plumbing shared by the upstream API clients:
// building cached GET requests, turning HTTP outcomes into classified
// source errors and decoding JSON bodies.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// Client issues JSON GET requests for one source through a Fetcher.
type Client struct {
	fetcher   crawler.Fetcher
	source    crawler.Source
	userAgent string
}

// NewClient returns a client that labels its errors with source.
func NewClient(fetcher crawler.Fetcher, source crawler.Source, userAgent string) *Client {
	return &Client{fetcher: fetcher, source: source, userAgent: userAgent}
}

// Source returns the source the client reports as.
func (c *Client) Source() crawler.Source {
	return c.source
}

// Request builds the cached GET request for base joined with path and query.
func (c *Client) Request(base, path string, query url.Values) (crawler.FetchRequest, error) {
	u, err := url.Parse(base)
	if err != nil {
		return crawler.FetchRequest{}, fmt.Errorf("parse %s base url: %w", c.source, err)
	}
	if path != "" {
		u = u.JoinPath(path)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req := crawler.FetchRequest{Method: http.MethodGet, URL: u.String(), Header: http.Header{}}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// Do fetches req and returns the body of a 2xx response. Every other outcome
// is a *crawler.SourceError.
func (c *Client) Do(ctx context.Context, req crawler.FetchRequest) ([]byte, error) {
	resp, err := c.fetcher.GetOrFetch(ctx, req)
	if err != nil {
		return nil, crawler.NewSourceError(c.source, 0, err)
	}
	if kind := crawler.ClassifyStatus(resp.StatusCode); kind != nil {
		serr := crawler.NewSourceError(c.source, resp.StatusCode, nil)
		serr.RetryAfter = RetryAfter(resp.Header, time.Now())
		return nil, serr
	}
	return resp.Body, nil
}

// GetJSON fetches req and decodes a 2xx body into out.
func (c *Client) GetJSON(ctx context.Context, req crawler.FetchRequest, out any) error {
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return c.Decode(body, out)
}

// Decode unmarshals body, reporting a malformed payload as a permanent error.
func (c *Client) Decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &crawler.SourceError{
			Source: c.source,
			Kind:   crawler.ErrPermanent,
			Err:    fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// Fail builds a classified error for an outcome detected in a response body.
func (c *Client) Fail(kind error, format string, args ...any) error {
	return &crawler.SourceError{Source: c.source, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// RetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. It returns zero when the header is absent or invalid.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
