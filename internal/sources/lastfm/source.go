// Package lastfm reads crowd-sourced track tags from the Last.fm API.
package lastfm

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/sources"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://ws.audioscrobbler.com/2.0/"

// API error codes carried in response bodies.
const (
	codeAuthFailed        = 4
	codeInvalidParameters = 6
	codeOperationFailed   = 8
	codeInvalidAPIKey     = 10
	codeServiceOffline    = 11
	codeTemporary         = 16
	codeSuspendedKey      = 26
	codeRateLimited       = 29
)

// Config controls the source.
type Config struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	UserAgent string `mapstructure:"user_agent"`
}

// Source implements crawler.FeatureSource for track.getTopTags.
type Source struct {
	client  *sources.Client
	fetcher crawler.Fetcher
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// New returns the tags source. An empty API key is allowed so that replay
// runs can work from a cache built with a key that is no longer available.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		client:  sources.NewClient(fetcher, crawler.SourceTags, cfg.UserAgent),
		fetcher: fetcher,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger.Named("lastfm"),
	}
}

// Source implements crawler.FeatureSource.
func (s *Source) Source() crawler.Source { return crawler.SourceTags }

// NeedsMBID implements crawler.FeatureSource. Tags can also be looked up by
// artist and title.
func (s *Source) NeedsMBID() bool { return false }

type apiError struct {
	Code    int    `json:"error"`
	Message string `json:"message"`
}

type tag struct {
	Name  string          `json:"name"`
	Count json.RawMessage `json:"count"`
}

type topTags struct {
	TopTags struct {
		// Tag is an array, or a single object when there is one tag.
		Tag json.RawMessage `json:"tag"`
	} `json:"toptags"`
}

// Harvest looks tags up by MBID when one is known and falls back to artist
// and title when the MBID is unknown to Last.fm.
func (s *Source) Harvest(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error) {
	artist := strings.TrimSpace(target.Lookup.Artist)
	title := strings.TrimSpace(target.Lookup.Title)
	if target.MBID != "" {
		tags, err := s.topTags(ctx, url.Values{"mbid": {target.MBID}})
		if err == nil {
			return crawler.Fragment{Tags: tags}, nil
		}
		if !errors.Is(err, crawler.ErrNotFound) || artist == "" || title == "" {
			return crawler.Fragment{}, err
		}
	}
	if artist == "" || title == "" {
		return crawler.Fragment{}, s.client.Fail(crawler.ErrNotFound, "no mbid and no artist/title to look up")
	}
	tags, err := s.topTags(ctx, url.Values{
		"artist":      {artist},
		"track":       {title},
		"autocorrect": {"1"},
	})
	if err != nil {
		return crawler.Fragment{}, err
	}
	return crawler.Fragment{Tags: tags}, nil
}

func (s *Source) topTags(ctx context.Context, params url.Values) ([]crawler.Tag, error) {
	params.Set("method", "track.getTopTags")
	params.Set("format", "json")
	params.Set("api_key", s.apiKey)
	req, err := s.client.Request(s.baseURL, "", params)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, s.refine(err)
	}
	var failure apiError
	if json.Unmarshal(body, &failure) == nil && failure.Code != 0 {
		kind := classifyCode(failure.Code)
		if errors.Is(kind, crawler.ErrTransient) || errors.Is(kind, crawler.ErrAuthOrQuota) {
			// The cache stored this as a 200; it must not be replayed.
			if ev, ok := s.fetcher.(crawler.Evicter); ok {
				if evErr := ev.Evict(req); evErr != nil {
					s.logger.Warn("evict failed", zap.Error(evErr))
				}
			}
		}
		return nil, s.client.Fail(kind, "lastfm error %d: %s", failure.Code, failure.Message)
	}
	var out topTags
	if err := s.client.Decode(body, &out); err != nil {
		return nil, err
	}
	tags, err := decodeTags(out.TopTags.Tag)
	if err != nil {
		return nil, s.client.Fail(crawler.ErrPermanent, "decode tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, s.client.Fail(crawler.ErrNotFound, "track has no tags")
	}
	return tags, nil
}

// refine re-reads error statuses whose body says more than the status.
// Last.fm answers an unknown track with HTTP 400 and code 6.
func (s *Source) refine(err error) error {
	var serr *crawler.SourceError
	if errors.As(err, &serr) && serr.StatusCode == 400 {
		serr.Kind = crawler.ErrNotFound
	}
	return err
}

func classifyCode(code int) error {
	switch code {
	case codeInvalidParameters:
		return crawler.ErrNotFound
	case codeRateLimited, codeServiceOffline, codeTemporary, codeOperationFailed:
		return crawler.ErrTransient
	case codeAuthFailed, codeInvalidAPIKey, codeSuspendedKey:
		return crawler.ErrAuthOrQuota
	default:
		return crawler.ErrPermanent
	}
}

func decodeTags(raw json.RawMessage) ([]crawler.Tag, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []tag
	if raw[0] == '{' {
		var one tag
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		list = []tag{one}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	tags := make([]crawler.Tag, 0, len(list))
	for _, t := range list {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		tags = append(tags, crawler.Tag{Name: name, Weight: count(t.Count)})
	}
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].Weight > tags[j].Weight })
	return tags, nil
}

// count accepts both numeric and quoted counts.
func count(raw json.RawMessage) float64 {
	f, err := json.Number(strings.Trim(string(raw), `"`)).Float64()
	if err != nil {
		return 0
	}
	return f
}
