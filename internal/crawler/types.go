package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// TrackID identifies one track for the lifetime of the store. It is minted
// from the catalog ID and never changes afterwards.
type TrackID string

// Source names an upstream service (or one endpoint of it).
type Source string

// Known sources.
const (
	SourceCatalog     Source = "spotify"
	SourceMusicBrainz Source = "musicbrainz"
	SourceHighLevel   Source = "acousticbrainz_high"
	SourceLowLevel    Source = "acousticbrainz_low"
	SourceTags        Source = "lastfm"
)

// IdentityRecord is the canonical identity of a catalog track. It must never
// carry acoustic or semantic fields from the restricted catalog.
type IdentityRecord struct {
	TrackID     TrackID   `json:"track_id"`
	ISRC        string    `json:"isrc,omitempty"`
	Title       string    `json:"title"`
	Artists     []string  `json:"artists"`
	ReleaseDate string    `json:"release_date,omitempty"`
	CatalogID   string    `json:"catalog_id"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// PrimaryArtist returns the first credited artist, or "".
func (r IdentityRecord) PrimaryArtist() string {
	if len(r.Artists) == 0 {
		return ""
	}
	return r.Artists[0]
}

// Lookup returns the transient hints harvesters use to find the track in
// the feature sources.
func (r IdentityRecord) Lookup() Lookup {
	return Lookup{ISRC: r.ISRC, Title: r.Title, Artist: r.PrimaryArtist()}
}

// Lookup carries the search hints for a queued track. It travels with the
// queue entry only and is never written to the feature store.
type Lookup struct {
	ISRC   string `json:"isrc,omitempty"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// FeatureStatus describes how complete a FeatureRecord is.
type FeatureStatus string

// Feature status values persisted in the feature store.
const (
	FeatureStatusComplete FeatureStatus = "complete"
	FeatureStatusPartial  FeatureStatus = "partial"
	FeatureStatusFailed   FeatureStatus = "failed"
)

// Tag is one Last.fm top tag.
type Tag struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// FeatureRecord is the merged harvest for one track.
type FeatureRecord struct {
	TrackID         TrackID            `json:"track_id"`
	MBID            string             `json:"mbid,omitempty"`
	HighLevel       map[string]float64 `json:"high_level,omitempty"`
	HighLevelLabels map[string]string  `json:"high_level_labels,omitempty"`
	LowLevel        map[string]float64 `json:"low_level,omitempty"`
	Tags            []Tag              `json:"tags,omitempty"`
	Status          FeatureStatus      `json:"status"`
	// Missing maps each source that contributed nothing to the reason.
	Missing     map[Source]string `json:"missing,omitempty"`
	Attempt     int               `json:"attempt"`
	HarvestedAt time.Time         `json:"-"`
}

// MissingSources returns the missing sources sorted by name.
func (r FeatureRecord) MissingSources() []Source {
	out := make([]Source, 0, len(r.Missing))
	for src := range r.Missing {
		out = append(out, src)
	}
	slices.Sort(out)
	return out
}

// Encode returns the canonical JSON form of the record. HarvestedAt is left
// out so that two harvests over the same cached responses encode to the same
// bytes.
func (r FeatureRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode feature record %s: %w", r.TrackID, err)
	}
	return data, nil
}

// Fragment is the contribution of a single feature source.
type Fragment struct {
	MBID            string
	HighLevel       map[string]float64
	HighLevelLabels map[string]string
	LowLevel        map[string]float64
	Tags            []Tag
}

// Merge copies the non-empty parts of f into r.
func (r *FeatureRecord) Merge(f Fragment) {
	if f.MBID != "" && r.MBID == "" {
		r.MBID = f.MBID
	}
	if len(f.HighLevel) > 0 {
		if r.HighLevel == nil {
			r.HighLevel = make(map[string]float64, len(f.HighLevel))
		}
		for k, v := range f.HighLevel {
			r.HighLevel[k] = v
		}
	}
	if len(f.HighLevelLabels) > 0 {
		if r.HighLevelLabels == nil {
			r.HighLevelLabels = make(map[string]string, len(f.HighLevelLabels))
		}
		for k, v := range f.HighLevelLabels {
			r.HighLevelLabels[k] = v
		}
	}
	if len(f.LowLevel) > 0 {
		if r.LowLevel == nil {
			r.LowLevel = make(map[string]float64, len(f.LowLevel))
		}
		for k, v := range f.LowLevel {
			r.LowLevel[k] = v
		}
	}
	if len(f.Tags) > 0 {
		r.Tags = append(r.Tags, f.Tags...)
	}
}

// QueueEntry is a TrackID waiting for (or undergoing) a harvest.
type QueueEntry struct {
	TrackID    TrackID   `json:"track_id"`
	Lookup     Lookup    `json:"lookup"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// HarvestTarget is what a feature source needs to look a track up.
type HarvestTarget struct {
	TrackID TrackID
	MBID    string
	Lookup  Lookup
}

// CatalogPage is one page of catalog search results.
type CatalogPage struct {
	Query   string
	Offset  int
	Records []IdentityRecord
	// Total is the number of results the catalog reports for the query.
	Total   int
	HasNext bool
}

// Cursor marks the next catalog page to fetch.
type Cursor struct {
	QueryIndex int `json:"query_index"`
	Offset     int `json:"offset"`
}

// FetchRequest describes one upstream HTTP call.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FetchResponse is the (possibly cached) upstream answer.
type FetchResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
	FromCache   bool
}
