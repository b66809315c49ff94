package httpcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), false)
	fp := func(req crawler.FetchRequest) string {
		t.Helper()
		out, err := c.Fingerprint(req)
		require.NoError(t, err)
		return out
	}

	base := fp(crawler.FetchRequest{URL: "https://ws.audioscrobbler.com/2.0/?method=track.gettoptags&mbid=m1&format=json"})

	same := []crawler.FetchRequest{
		{Method: "get", URL: "https://ws.audioscrobbler.com/2.0/?format=json&mbid=m1&method=track.gettoptags"},
		{URL: "HTTPS://WS.AudioScrobbler.com/2.0/?method=track.gettoptags&mbid=m1&format=json#frag"},
		{URL: "https://ws.audioscrobbler.com/2.0/?method=track.gettoptags&mbid=m1&format=json&api_key=k1"},
		{URL: "https://ws.audioscrobbler.com/2.0/?API_KEY=k2&method=track.gettoptags&mbid=m1&format=json"},
	}
	for _, req := range same {
		require.Equal(t, base, fp(req), req.URL)
	}

	different := []crawler.FetchRequest{
		{URL: "https://ws.audioscrobbler.com/2.0/?method=track.gettoptags&mbid=m2&format=json"},
		{Method: "POST", URL: "https://ws.audioscrobbler.com/2.0/?method=track.gettoptags&mbid=m1&format=json"},
		{URL: "https://ws.audioscrobbler.com/2.0?method=track.gettoptags&mbid=m1&format=json&limit=5"},
	}
	for _, req := range different {
		require.NotEqual(t, base, fp(req), req.URL)
	}
}

func TestFingerprintJSONBody(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), false)
	a, err := c.Fingerprint(crawler.FetchRequest{Method: "POST", URL: "https://x.test/q", Body: []byte(`{"b": 2, "a": [1, 2.50]}`)})
	require.NoError(t, err)
	b, err := c.Fingerprint(crawler.FetchRequest{Method: "POST", URL: "https://x.test/q", Body: []byte(`{"a":[1,2.50],"b":2}`)})
	require.NoError(t, err)
	require.Equal(t, a, b)

	raw, err := c.Fingerprint(crawler.FetchRequest{Method: "POST", URL: "https://x.test/q", Body: []byte("a=1&b=2")})
	require.NoError(t, err)
	require.NotEqual(t, a, raw)
}

func TestNormalizeURLRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("/relative/path", nil)
	require.Error(t, err)
}
