// Package musicbrainz links catalog tracks to MusicBrainz recording IDs,
// first by ISRC and then by a scored title and artist search.
package musicbrainz

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/sources"
)

const (
	// DefaultBaseURL is the public web service root.
	DefaultBaseURL = "https://musicbrainz.org/ws/2/"
	// DefaultMinScore is the lowest similarity accepted from a search.
	DefaultMinScore = 0.85
	searchLimit     = 10
)

// Config controls the linker.
type Config struct {
	BaseURL   string  `mapstructure:"base_url"`
	UserAgent string  `mapstructure:"user_agent"`
	MinScore  float64 `mapstructure:"min_score"`
}

// Linker implements crawler.MBIDLinker.
type Linker struct {
	client   *sources.Client
	baseURL  string
	minScore float64
	metric   *metrics.JaroWinkler
}

type artistCredit struct {
	Name       string `json:"name"`
	JoinPhrase string `json:"joinphrase"`
}

type recording struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Score        int            `json:"score"`
	ArtistCredit []artistCredit `json:"artist-credit"`
}

type recordingList struct {
	Recordings []recording `json:"recordings"`
}

// New returns a linker. MusicBrainz rejects anonymous clients, so a
// UserAgent is required.
func New(fetcher crawler.Fetcher, cfg Config) (*Linker, error) {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, errors.New("musicbrainz user agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	jw := metrics.NewJaroWinkler()
	jw.CaseSensitive = false
	return &Linker{
		client:   sources.NewClient(fetcher, crawler.SourceMusicBrainz, cfg.UserAgent),
		baseURL:  cfg.BaseURL,
		minScore: cfg.MinScore,
		metric:   jw,
	}, nil
}

// LinkMBID resolves lookup to a recording MBID. The ISRC route is tried
// first; a missing ISRC or an ISRC unknown to MusicBrainz falls back to the
// search route.
func (l *Linker) LinkMBID(ctx context.Context, lookup crawler.Lookup) (string, error) {
	if isrc := strings.ToUpper(strings.TrimSpace(lookup.ISRC)); isrc != "" {
		mbid, err := l.byISRC(ctx, isrc, lookup.Title)
		if err == nil || !errors.Is(err, crawler.ErrNotFound) {
			return mbid, err
		}
	}
	if strings.TrimSpace(lookup.Title) == "" || strings.TrimSpace(lookup.Artist) == "" {
		return "", l.client.Fail(crawler.ErrNotFound, "no isrc match and nothing to search for")
	}
	return l.bySearch(ctx, lookup.Title, lookup.Artist)
}

func (l *Linker) byISRC(ctx context.Context, isrc, title string) (string, error) {
	req, err := l.client.Request(l.baseURL, "isrc/"+url.PathEscape(isrc), url.Values{
		"fmt": {"json"},
		"inc": {"artist-credits"},
	})
	if err != nil {
		return "", err
	}
	var out recordingList
	if err := l.client.GetJSON(ctx, req, &out); err != nil {
		return "", err
	}
	if len(out.Recordings) == 0 {
		return "", l.client.Fail(crawler.ErrNotFound, "isrc %s has no recordings", isrc)
	}
	// Several recordings can share an ISRC; prefer the closest title.
	best := out.Recordings[0]
	if title != "" {
		bestScore := -1.0
		for _, rec := range out.Recordings {
			if s := l.similarity(title, rec.Title); s > bestScore {
				best, bestScore = rec, s
			}
		}
	}
	return best.ID, nil
}

func (l *Linker) bySearch(ctx context.Context, title, artist string) (string, error) {
	query := fmt.Sprintf(`recording:"%s" AND artist:"%s"`, escape(title), escape(artist))
	req, err := l.client.Request(l.baseURL, "recording", url.Values{
		"query": {query},
		"fmt":   {"json"},
		"limit": {fmt.Sprint(searchLimit)},
	})
	if err != nil {
		return "", err
	}
	var out recordingList
	if err := l.client.GetJSON(ctx, req, &out); err != nil {
		return "", err
	}
	want := artist + " " + title
	var (
		bestID    string
		bestScore float64
	)
	for _, rec := range out.Recordings {
		s := l.similarity(want, rec.credit()+" "+rec.Title)
		if s > bestScore {
			bestID, bestScore = rec.ID, s
		}
	}
	if bestID == "" || bestScore < l.minScore {
		return "", l.client.Fail(crawler.ErrNotFound, "no recording scored %.2f or better for %q", l.minScore, want)
	}
	return bestID, nil
}

func (l *Linker) similarity(a, b string) float64 {
	return strutil.Similarity(normalize(a), normalize(b), l.metric)
}

func (r recording) credit() string {
	var b strings.Builder
	for _, c := range r.ArtistCredit {
		b.WriteString(c.Name)
		b.WriteString(c.JoinPhrase)
	}
	return b.String()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var luceneEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escape(s string) string {
	return luceneEscaper.Replace(s)
}
