package rowcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

func TestFeatureColumnsRoundTrip(t *testing.T) {
	t.Parallel()

	in := crawler.FeatureRecord{
		HighLevel:       map[string]float64{"danceability.probability": 0.8},
		HighLevelLabels: map[string]string{"danceability": "danceable"},
		Tags:            []crawler.Tag{{Name: "rock", Weight: 100}},
		Missing:         map[crawler.Source]string{crawler.SourceLowLevel: "not_found"},
	}
	cols, err := EncodeFeature(in)
	require.NoError(t, err)
	require.Nil(t, cols.LowLevel)
	require.JSONEq(t, `{"acousticbrainz_low":"not_found"}`, string(cols.Missing))

	var out crawler.FeatureRecord
	require.NoError(t, DecodeFeature(cols, &out))
	require.Equal(t, in.HighLevel, out.HighLevel)
	require.Equal(t, in.HighLevelLabels, out.HighLevelLabels)
	require.Equal(t, in.Tags, out.Tags)
	require.Equal(t, in.Missing, out.Missing)
	require.Nil(t, out.LowLevel)

	require.Error(t, DecodeFeature(FeatureColumns{Tags: []byte("{")}, &out))
}

func TestArtists(t *testing.T) {
	t.Parallel()

	data, err := EncodeArtists(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))

	data, err = EncodeArtists([]string{"Massive Attack", "Elizabeth Fraser"})
	require.NoError(t, err)
	got, err := DecodeArtists(data)
	require.NoError(t, err)
	require.Equal(t, []string{"Massive Attack", "Elizabeth Fraser"}, got)

	got, err = DecodeArtists(nil)
	require.NoError(t, err)
	require.Nil(t, got)
}
