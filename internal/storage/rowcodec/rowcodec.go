// Package rowcodec encodes the JSON columns shared by the SQL backends.
package rowcodec

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// FeatureColumns are the JSON-encoded parts of a FeatureRecord. Empty
// values are nil so that they are stored as NULL.
type FeatureColumns struct {
	Missing         []byte
	HighLevel       []byte
	HighLevelLabels []byte
	LowLevel        []byte
	Tags            []byte
}

// EncodeFeature encodes the JSON columns of r.
func EncodeFeature(r crawler.FeatureRecord) (FeatureColumns, error) {
	var (
		out FeatureColumns
		err error
	)
	if out.Missing, err = nullable(len(r.Missing), r.Missing); err != nil {
		return out, err
	}
	if out.HighLevel, err = nullable(len(r.HighLevel), r.HighLevel); err != nil {
		return out, err
	}
	if out.HighLevelLabels, err = nullable(len(r.HighLevelLabels), r.HighLevelLabels); err != nil {
		return out, err
	}
	if out.LowLevel, err = nullable(len(r.LowLevel), r.LowLevel); err != nil {
		return out, err
	}
	if out.Tags, err = nullable(len(r.Tags), r.Tags); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeFeature fills the JSON-backed fields of r from c.
func DecodeFeature(c FeatureColumns, r *crawler.FeatureRecord) error {
	for _, col := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"missing", c.Missing, &r.Missing},
		{"high_level", c.HighLevel, &r.HighLevel},
		{"high_level_labels", c.HighLevelLabels, &r.HighLevelLabels},
		{"low_level", c.LowLevel, &r.LowLevel},
		{"tags", c.Tags, &r.Tags},
	} {
		if len(col.data) == 0 {
			continue
		}
		if err := json.Unmarshal(col.data, col.dst); err != nil {
			return fmt.Errorf("decode %s: %w", col.name, err)
		}
	}
	return nil
}

// EncodeArtists encodes the artist list; a nil list becomes [].
func EncodeArtists(artists []string) ([]byte, error) {
	if artists == nil {
		artists = []string{}
	}
	data, err := json.Marshal(artists)
	if err != nil {
		return nil, fmt.Errorf("marshal artists: %w", err)
	}
	return data, nil
}

// DecodeArtists reverses EncodeArtists.
func DecodeArtists(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode artists: %w", err)
	}
	return out, nil
}

func nullable(n int, v any) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal feature column: %w", err)
	}
	return data, nil
}
