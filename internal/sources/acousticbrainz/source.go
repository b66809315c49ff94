// Package acousticbrainz reads the high-level and low-level descriptor
// documents AcousticBrainz publishes per recording MBID.
package acousticbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/sources"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://acousticbrainz.org/"

// maxVector bounds how many elements of a numeric array are flattened.
// Longer arrays are per-frame series, not descriptors.
const maxVector = 64

// Config controls both sources.
type Config struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// lowLevelSections are the top-level objects of a low-level document that
// carry descriptors. metadata is deliberately absent.
var lowLevelSections = []string{"lowlevel", "rhythm", "tonal"}

// skipKeys are variable-length event lists.
var skipKeys = map[string]struct{}{
	"beats_position": {},
	"onset_times":    {},
}

// HighLevel implements crawler.FeatureSource for classifier outputs.
type HighLevel struct {
	client  *sources.Client
	baseURL string
}

// LowLevel implements crawler.FeatureSource for raw descriptors.
type LowLevel struct {
	client  *sources.Client
	baseURL string
}

// NewHighLevel returns the high-level source.
func NewHighLevel(fetcher crawler.Fetcher, cfg Config) *HighLevel {
	return &HighLevel{
		client:  sources.NewClient(fetcher, crawler.SourceHighLevel, cfg.UserAgent),
		baseURL: baseURL(cfg),
	}
}

// NewLowLevel returns the low-level source.
func NewLowLevel(fetcher crawler.Fetcher, cfg Config) *LowLevel {
	return &LowLevel{
		client:  sources.NewClient(fetcher, crawler.SourceLowLevel, cfg.UserAgent),
		baseURL: baseURL(cfg),
	}
}

func baseURL(cfg Config) string {
	if cfg.BaseURL == "" {
		return DefaultBaseURL
	}
	return cfg.BaseURL
}

// Source implements crawler.FeatureSource.
func (h *HighLevel) Source() crawler.Source { return crawler.SourceHighLevel }

// NeedsMBID implements crawler.FeatureSource.
func (h *HighLevel) NeedsMBID() bool { return true }

type classifier struct {
	All         map[string]float64 `json:"all"`
	Probability float64            `json:"probability"`
	Value       string             `json:"value"`
}

type highLevelDoc struct {
	HighLevel map[string]classifier `json:"highlevel"`
}

// Harvest fetches api/v1/{mbid}/high-level. Each classifier contributes its
// winning label, the label's probability and the full class distribution.
func (h *HighLevel) Harvest(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error) {
	req, err := request(h.client, h.baseURL, target.MBID, "high-level")
	if err != nil {
		return crawler.Fragment{}, err
	}
	var doc highLevelDoc
	if err := h.client.GetJSON(ctx, req, &doc); err != nil {
		return crawler.Fragment{}, err
	}
	if len(doc.HighLevel) == 0 {
		return crawler.Fragment{}, h.client.Fail(crawler.ErrNotFound, "no high-level classifiers for %s", target.MBID)
	}
	frag := crawler.Fragment{
		MBID:            target.MBID,
		HighLevel:       make(map[string]float64),
		HighLevelLabels: make(map[string]string, len(doc.HighLevel)),
	}
	for name, c := range doc.HighLevel {
		if c.Value != "" {
			frag.HighLevelLabels[name] = c.Value
		}
		frag.HighLevel[name+".probability"] = c.Probability
		for class, p := range c.All {
			frag.HighLevel[name+"."+class] = p
		}
	}
	return frag, nil
}

// Source implements crawler.FeatureSource.
func (l *LowLevel) Source() crawler.Source { return crawler.SourceLowLevel }

// NeedsMBID implements crawler.FeatureSource.
func (l *LowLevel) NeedsMBID() bool { return true }

// Harvest fetches api/v1/{mbid}/low-level and flattens every numeric
// descriptor into a dotted key such as "lowlevel.mfcc.mean.3".
func (l *LowLevel) Harvest(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error) {
	req, err := request(l.client, l.baseURL, target.MBID, "low-level")
	if err != nil {
		return crawler.Fragment{}, err
	}
	var doc map[string]json.RawMessage
	if err := l.client.GetJSON(ctx, req, &doc); err != nil {
		return crawler.Fragment{}, err
	}
	out := make(map[string]float64)
	for _, section := range lowLevelSections {
		raw, ok := doc[section]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return crawler.Fragment{}, l.client.Fail(crawler.ErrPermanent, "decode %s section: %w", section, err)
		}
		Flatten(section, v, out)
	}
	if len(out) == 0 {
		return crawler.Fragment{}, l.client.Fail(crawler.ErrNotFound, "no low-level descriptors for %s", target.MBID)
	}
	return crawler.Fragment{MBID: target.MBID, LowLevel: out}, nil
}

// Flatten walks v and writes numeric leaves into out under dotted keys.
// Strings and booleans are dropped, as are arrays of arrays and arrays
// longer than maxVector.
func Flatten(prefix string, v any, out map[string]float64) {
	switch t := v.(type) {
	case float64:
		out[prefix] = t
	case map[string]any:
		for k, child := range t {
			if _, skip := skipKeys[k]; skip {
				continue
			}
			Flatten(join(prefix, k), child, out)
		}
	case []any:
		if len(t) > maxVector {
			return
		}
		for i, child := range t {
			if n, ok := child.(float64); ok {
				out[join(prefix, strconv.Itoa(i))] = n
			}
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func request(client *sources.Client, base, mbid, level string) (crawler.FetchRequest, error) {
	mbid = strings.TrimSpace(mbid)
	if mbid == "" {
		return crawler.FetchRequest{}, client.Fail(crawler.ErrNotFound, "no mbid to look up")
	}
	req, err := client.Request(base, fmt.Sprintf("api/v1/%s/%s", url.PathEscape(mbid), level), nil)
	if err != nil {
		return crawler.FetchRequest{}, err
	}
	return req, nil
}
