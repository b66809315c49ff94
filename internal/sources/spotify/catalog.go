// Package spotify pages through Spotify track search results to build the
// identity catalog.
package spotify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/id/uuid"
)

// MaxResults is the deepest offset the search endpoint serves per query.
const MaxResults = 1000

// replayToken stands in for a bearer token when the network is off. The
// Authorization header is not part of the cache fingerprint.
const replayToken = "replay"

// Config controls the catalog client.
type Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
	Market       string `mapstructure:"market"`
}

// NewHTTPClient returns a client that authenticates with client
// credentials and sends API calls through base, normally the response
// cache transport. With live false no token is ever requested.
func NewHTTPClient(ctx context.Context, cfg Config, base http.RoundTripper, live bool) (*http.Client, error) {
	var ts oauth2.TokenSource
	if live {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("spotify client id and secret are required for live crawling")
		}
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = spotifyauth.TokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
		}
		ts = cc.TokenSource(ctx)
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: replayToken, TokenType: "Bearer"})
	}
	return &http.Client{Transport: &oauth2.Transport{Source: ts, Base: base}}, nil
}

// Catalog implements crawler.CatalogSource.
type Catalog struct {
	client *spotifyapi.Client
	market string
	clock  crawler.Clock
}

// New wraps httpClient. Retries are left to the caller's retry policy.
func New(httpClient *http.Client, cfg Config, clock crawler.Clock) *Catalog {
	opts := []spotifyapi.ClientOption{spotifyapi.WithRetry(false)}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, spotifyapi.WithBaseURL(base))
	}
	return &Catalog{
		client: spotifyapi.New(httpClient, opts...),
		market: cfg.Market,
		clock:  clock,
	}
}

// SearchPage returns one page of track results for query.
func (c *Catalog) SearchPage(ctx context.Context, query string, offset, limit int) (crawler.CatalogPage, error) {
	opts := []spotifyapi.RequestOption{spotifyapi.Limit(limit), spotifyapi.Offset(offset)}
	if c.market != "" {
		opts = append(opts, spotifyapi.Market(c.market))
	}
	res, err := c.client.Search(ctx, query, spotifyapi.SearchTypeTrack, opts...)
	if err != nil {
		return crawler.CatalogPage{}, classify(err)
	}
	page := crawler.CatalogPage{Query: query, Offset: offset}
	if res == nil || res.Tracks == nil {
		return page, nil
	}
	page.Total = int(res.Tracks.Total)
	page.HasNext = res.Tracks.Next != "" && offset+limit < MaxResults
	now := time.Now().UTC()
	if c.clock != nil {
		now = c.clock.Now()
	}
	page.Records = make([]crawler.IdentityRecord, 0, len(res.Tracks.Tracks))
	for _, t := range res.Tracks.Tracks {
		if t.ID == "" {
			continue
		}
		page.Records = append(page.Records, transform(t, now))
	}
	return page, nil
}

func transform(t spotifyapi.FullTrack, resolvedAt time.Time) crawler.IdentityRecord {
	artists := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		artists = append(artists, a.Name)
	}
	return crawler.IdentityRecord{
		TrackID:     uuid.TrackID(crawler.SourceCatalog, string(t.ID)),
		ISRC:        strings.ToUpper(strings.TrimSpace(t.ExternalIDs["isrc"])),
		Title:       t.Name,
		Artists:     artists,
		ReleaseDate: t.Album.ReleaseDate,
		CatalogID:   string(t.ID),
		ResolvedAt:  resolvedAt,
	}
}

// classify turns client and token errors into *crawler.SourceError.
func classify(err error) error {
	var apiErr spotifyapi.Error
	if errors.As(err, &apiErr) {
		return crawler.NewSourceError(crawler.SourceCatalog, apiErr.Status, errors.New(apiErr.Message))
	}
	var tokenErr *oauth2.RetrieveError
	if errors.As(err, &tokenErr) {
		status := http.StatusUnauthorized
		if tokenErr.Response != nil && tokenErr.Response.StatusCode >= 500 {
			status = tokenErr.Response.StatusCode
		}
		return crawler.NewSourceError(crawler.SourceCatalog, status, err)
	}
	return crawler.NewSourceError(crawler.SourceCatalog, 0, err)
}
