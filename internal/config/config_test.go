package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/track-harvester/internal/sources/musicbrainz"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HARVESTER_LIVE_NETWORK", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	require.False(t, cfg.LiveNetwork)
	require.Equal(t, 4, cfg.Crawler.Workers)
	require.Equal(t, 256, cfg.Crawler.QueueCapacity)
	require.Equal(t, 3, cfg.Crawler.MaxAttempts)
	require.Equal(t, 60*time.Second, cfg.Crawler.HarvestTimeout)
	require.Equal(t, 30*time.Second, cfg.Crawler.ShutdownGrace)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 3, cfg.Writer.MaxAttempts)
	require.Equal(t, 64, cfg.Writer.Buffer)
	require.Equal(t, map[string]float64{"spotify": 10, "musicbrainz": 1, "acousticbrainz": 10, "lastfm": 5}, cfg.RateLimits)
	require.Equal(t, []string{"year:2000"}, cfg.Resolver.Queries)
	require.Equal(t, 50, cfg.Resolver.PageSize)
	require.Equal(t, "data/checkpoint.json", cfg.Resolver.CheckpointPath)
	require.Equal(t, "data/http-cache", cfg.Cache.Dir)
	require.Equal(t, []string{"api_key"}, cfg.Cache.IgnoreParams)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "data/harvest.db", cfg.Store.Path)
	require.Equal(t, "data/dead-letter", cfg.DeadLetter.Dir)
	require.Empty(t, cfg.Queue.PersistPath)
	require.Equal(t, 0.85, cfg.MusicBrainz.MinScore)
	require.Equal(t, DefaultUserAgent, cfg.MusicBrainz.UserAgent)
	require.Equal(t, DefaultUserAgent, cfg.LastFM.UserAgent)
	require.Empty(t, cfg.Metrics.Addr)

	scope := cfg.Resolver.Scope()
	require.Equal(t, 1000, scope.Window)
	require.Equal(t, 20, scope.MaxPages)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
live_network: true
crawler:
  workers: 8
  harvest_timeout: 90s
resolver:
  queries: ["year:1998", "year:1999"]
  page_size: 20
  market: GB
rate_limits:
  musicbrainz: 0.5
store:
  backend: postgres
  dsn: postgres://localhost/harvest
spotify:
  client_id: id
  client_secret: secret
lastfm:
  api_key: key
musicbrainz:
  user_agent: custom-agent/1.0
logging:
  development: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.LiveNetwork)
	require.Equal(t, 8, cfg.Crawler.Workers)
	require.Equal(t, 90*time.Second, cfg.Crawler.HarvestTimeout)
	require.Equal(t, []string{"year:1998", "year:1999"}, cfg.Resolver.Queries)
	require.Equal(t, 20, cfg.Resolver.PageSize)
	require.Equal(t, "GB", cfg.Spotify.Market)
	require.Equal(t, 0.5, cfg.RateLimits["musicbrainz"])
	require.Equal(t, 10.0, cfg.RateLimits["spotify"])
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.Equal(t, "custom-agent/1.0", cfg.MusicBrainz.UserAgent)
	require.Equal(t, DefaultUserAgent, cfg.AcousticBrainz.UserAgent)
	require.True(t, cfg.Logging.Development)
}

func TestLoadEnvOverridesAndDotEnv(t *testing.T) {
	t.Setenv("HARVESTER_CRAWLER_WORKERS", "12")
	// Registered for cleanup, then cleared so the .env file can supply them.
	for _, key := range []string{"HARVESTER_SPOTIFY_CLIENT_ID", "HARVESTER_SPOTIFY_CLIENT_SECRET", "HARVESTER_LASTFM_API_KEY"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	env := writeFile(t, ".env", "HARVESTER_SPOTIFY_CLIENT_ID=env-id\nHARVESTER_SPOTIFY_CLIENT_SECRET=env-secret\nHARVESTER_LASTFM_API_KEY=env-key\n")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Crawler.Workers)
	require.Equal(t, "env-id", cfg.Spotify.ClientID)
	require.Equal(t, "env-secret", cfg.Spotify.ClientSecret)
	require.Equal(t, "env-key", cfg.LastFM.APIKey)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Crawler:     CrawlerConfig{Workers: 1, QueueCapacity: 1, MaxAttempts: 1, HarvestTimeout: time.Second},
		Resolver:    ResolverConfig{Queries: []string{"year:2000"}, PageSize: 50},
		Cache:       CacheConfig{Dir: "cache"},
		RateLimits:  map[string]float64{"spotify": 10},
		MusicBrainz: musicbrainz.Config{UserAgent: "agent"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"sqlite without path", func(*Config) {}, false},
		{"sqlite with path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "db" }, true},
		{"memory", func(c *Config) { c.Store.Backend = "memory" }, true},
		{"postgres needs dsn", func(c *Config) { c.Store.Backend = "postgres" }, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mysql" }, false},
		{"no workers", func(c *Config) { c.Store.Backend = "memory"; c.Crawler.Workers = 0 }, false},
		{"no queries", func(c *Config) { c.Store.Backend = "memory"; c.Resolver.Queries = nil }, false},
		{"page too large", func(c *Config) { c.Store.Backend = "memory"; c.Resolver.PageSize = 51 }, false},
		{"negative rate", func(c *Config) { c.Store.Backend = "memory"; c.RateLimits["lastfm"] = -1 }, false},
		{"live without creds", func(c *Config) { c.Store.Backend = "memory"; c.LiveNetwork = true }, false},
		{"live with creds", func(c *Config) {
			c.Store.Backend = "memory"
			c.LiveNetwork = true
			c.Spotify.ClientID, c.Spotify.ClientSecret = "id", "secret"
			c.LastFM.APIKey = "key"
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Retry.MaxAttempts = 1
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
