package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// Transport adapts the cache to http.RoundTripper so SDK clients that only
// accept an *http.Client still fetch through it.
func (c *Cache) Transport() http.RoundTripper {
	return &transport{cache: c}
}

type transport struct {
	cache *Cache
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = data
	}
	resp, err := t.cache.GetOrFetch(r.Context(), crawler.FetchRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}
