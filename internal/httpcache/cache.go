// Package httpcache is a content-addressed, write-once disk cache of HTTP
// responses shared by every upstream client. With live network access
// disabled it serves only what is on disk, which makes whole crawls
// replayable offline.
package httpcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/hash/sha256"
	"github.com/JakeFAU/track-harvester/internal/metrics"
)

const (
	entrySuffix     = ".json.zst"
	maxResponseBody = 64 << 20
)

// Config controls the cache.
type Config struct {
	Dir string
	// Live enables network calls on a miss. When false a miss is an error.
	Live bool
	// IgnoreParams are query parameters left out of the fingerprint, such
	// as API keys.
	IgnoreParams []string
	// RequestTimeout bounds one network call including the rate limit wait.
	RequestTimeout time.Duration
	// UserAgent is sent when the request carries none.
	UserAgent string
}

// Waiter throttles outgoing requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Entry is one stored response.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`

	header http.Header
}

// Stats are cumulative counters for one Cache.
type Stats struct {
	Hits         int64
	Misses       int64
	ReplayMisses int64
	NetworkCalls int64
}

// Cache implements crawler.Fetcher over a directory of zstd entries.
type Cache struct {
	dir       string
	live      bool
	ignore    map[string]struct{}
	timeout   time.Duration
	userAgent string

	client  *http.Client
	limiter Waiter
	hasher  crawler.Hasher
	group   singleflight.Group
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	logger  *zap.Logger

	hits         atomic.Int64
	misses       atomic.Int64
	replayMisses atomic.Int64
	networkCalls atomic.Int64
}

// New opens (creating if needed) a cache rooted at cfg.Dir. The client is
// used for network calls and must not itself route through the cache.
func New(cfg Config, client *http.Client, limiter Waiter, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreParams))
	for _, p := range cfg.IgnoreParams {
		ignore[strings.ToLower(p)] = struct{}{}
	}
	metrics.Init()
	return &Cache{
		dir:       cfg.Dir,
		live:      cfg.Live,
		ignore:    ignore,
		timeout:   timeout,
		userAgent: cfg.UserAgent,
		client:    client,
		limiter:   limiter,
		hasher:    sha256.New(),
		enc:       enc,
		dec:       dec,
		logger:    logger.Named("httpcache"),
	}, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		ReplayMisses: c.replayMisses.Load(),
		NetworkCalls: c.networkCalls.Load(),
	}
}

// Close releases the codec resources.
func (c *Cache) Close() error {
	c.dec.Close()
	if err := c.enc.Close(); err != nil {
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	return nil
}

// GetOrFetch returns the cached response for req, fetching and storing it on
// a miss when live. Concurrent misses on one fingerprint share one network
// call. Non-2xx statuses are returned as responses, not errors.
func (c *Cache) GetOrFetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	fp, err := c.Fingerprint(req)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if entry, ok := c.load(fp); ok {
		c.hits.Add(1)
		metrics.ObserveCacheLookup("hit")
		return entry.response(true), nil
	}
	if !c.live {
		c.replayMisses.Add(1)
		metrics.ObserveCacheLookup("replay_miss")
		return crawler.FetchResponse{}, fmt.Errorf("%s %s: %w", req.Method, redact(req.URL, c.ignore), crawler.ErrCacheMiss)
	}
	c.misses.Add(1)

	ch := c.group.DoChan(fp, func() (any, error) {
		return c.fetchAndStore(ctx, fp, req)
	})
	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("await %s: %w", redact(req.URL, c.ignore), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return crawler.FetchResponse{}, res.Err
		}
		if res.Shared {
			metrics.ObserveCacheLookup("shared")
		} else {
			metrics.ObserveCacheLookup("miss")
		}
		entry, _ := res.Val.(*Entry)
		return entry.response(false), nil
	}
}

// fetchAndStore runs once per fingerprint at a time. It is detached from the
// first caller's cancellation so that other waiters still get a result.
func (c *Cache) fetchAndStore(parent context.Context, fp string, req crawler.FetchRequest) (*Entry, error) {
	// A previous flight may have stored the entry after our lookup.
	if entry, ok := c.load(fp); ok {
		return entry, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL); err != nil {
			return nil, fmt.Errorf("throttle %s: %w", redact(req.URL, c.ignore), crawler.ErrTransient)
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	c.networkCalls.Add(1)
	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact(req.URL, c.ignore), err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	metrics.ObserveUpstream(metrics.SanitizeHost(req.URL), resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redact(req.URL, c.ignore), err)
	}

	normalized, _ := NormalizeURL(req.URL, c.ignore)
	entry := &Entry{
		Fingerprint: fp,
		Method:      req.Method,
		URL:         normalized,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		StoredAt:    time.Now().UTC(),
		header:      resp.Header.Clone(),
	}
	if crawler.Cacheable(resp.StatusCode) {
		if err := c.store(entry); err != nil {
			c.logger.Warn("cache store failed", zap.String("fingerprint", fp), zap.Error(err))
		}
	} else {
		c.logger.Debug("response not cached",
			zap.String("url", entry.URL),
			zap.Int("status", resp.StatusCode),
		)
	}
	return entry, nil
}

// Evict removes the stored response for req. Replay mode leaves the
// directory untouched.
func (c *Cache) Evict(req crawler.FetchRequest) error {
	if !c.live {
		return nil
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	fp, err := c.Fingerprint(req)
	if err != nil {
		return err
	}
	if err := os.Remove(c.path(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("evict entry: %w", err)
	}
	return nil
}

func (c *Cache) path(fp string) string {
	return filepath.Join(c.dir, fp[:2], fp+entrySuffix)
}

func (c *Cache) load(fp string) (*Entry, bool) {
	path := c.path(fp)
	raw, err := os.ReadFile(path) //nolint:gosec // path is derived from a hex digest
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("cache read failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	entry, err := c.decode(raw)
	if err != nil {
		c.logger.Warn("cache entry unreadable", zap.String("path", path), zap.Error(err))
		// Only a live cache may replace the entry; replay never mutates the directory.
		if c.live {
			_ = os.Remove(path)
		}
		return nil, false
	}
	return entry, true
}

func (c *Cache) decode(raw []byte) (*Entry, error) {
	data, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// store publishes the entry with a hard link so that exactly one writer
// wins, even across processes sharing the directory.
func (c *Cache) store(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	final := c.path(entry.Fingerprint)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	tmp, err := os.CreateTemp(dir, entry.Fingerprint+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // the link, if any, keeps the data
	if _, err := tmp.Write(c.enc.EncodeAll(data, nil)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Link(tmp.Name(), final); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("publish entry: %w", err)
	}
	return nil
}

func (e *Entry) response(fromCache bool) crawler.FetchResponse {
	header := e.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if e.ContentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", e.ContentType)
	}
	return crawler.FetchResponse{
		StatusCode:  e.StatusCode,
		ContentType: e.ContentType,
		Header:      header,
		Body:        bytes.Clone(e.Body),
		FromCache:   fromCache,
	}
}

// redact strips ignored (secret) parameters for logs and error messages.
func redact(raw string, ignore map[string]struct{}) string {
	normalized, err := NormalizeURL(raw, ignore)
	if err != nil {
		return "<invalid url>"
	}
	return normalized
}
