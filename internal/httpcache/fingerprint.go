package httpcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/hash/sha256"
)

// Fingerprint returns the stable cache key of a request: a SHA-256 digest of
// the method, the normalized URL and the normalized body. Headers are not
// part of the key, so rotating bearer tokens never invalidates entries.
func (c *Cache) Fingerprint(req crawler.FetchRequest) (string, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	normalized, err := NormalizeURL(req.URL, c.ignore)
	if err != nil {
		return "", err
	}
	digest, err := c.hasher.Hash(sha256.Frame([]byte(method), []byte(normalized), normalizeBody(req.Body)))
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	return digest, nil
}

// NormalizeURL lowercases scheme and host, drops the fragment and the
// ignored query parameters, and sorts the remaining parameters by key.
func NormalizeURL(raw string, ignore map[string]struct{}) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	for key := range q {
		if _, drop := ignore[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	// Encode sorts by key; repeated values keep their order.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		return body
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}
	// Marshal sorts object keys, which is all the canonicalization needed.
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
