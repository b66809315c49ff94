// Package config loads the harvester's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/resolver"
	"github.com/JakeFAU/track-harvester/internal/sources/acousticbrainz"
	"github.com/JakeFAU/track-harvester/internal/sources/lastfm"
	"github.com/JakeFAU/track-harvester/internal/sources/musicbrainz"
	"github.com/JakeFAU/track-harvester/internal/sources/spotify"
	"github.com/JakeFAU/track-harvester/internal/storage"
	"github.com/JakeFAU/track-harvester/internal/writer"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_CRAWLER_WORKERS.
const EnvPrefix = "HARVESTER"

// DefaultUserAgent identifies the harvester to the unrestricted sources.
const DefaultUserAgent = "track-harvester/0.1 ( https://github.com/JakeFAU/track-harvester )"

// Config is the full settings tree for one harvest session.
type Config struct {
	// LiveNetwork false replays the response cache and never touches the
	// network.
	LiveNetwork bool   `mapstructure:"live_network"`
	SessionID   string `mapstructure:"session_id"`

	Crawler    CrawlerConfig       `mapstructure:"crawler"`
	Retry      crawler.RetryConfig `mapstructure:"retry"`
	Writer     writer.Config       `mapstructure:"writer"`
	RateLimits map[string]float64  `mapstructure:"rate_limits"`
	Resolver   ResolverConfig      `mapstructure:"resolver"`
	Cache      CacheConfig         `mapstructure:"cache"`
	Store      storage.Config      `mapstructure:"store"`
	DeadLetter DeadLetterConfig    `mapstructure:"dead_letter"`
	Queue      QueueConfig         `mapstructure:"queue"`
	Report     ReportConfig        `mapstructure:"report"`

	Spotify        spotify.Config        `mapstructure:"spotify"`
	MusicBrainz    musicbrainz.Config    `mapstructure:"musicbrainz"`
	AcousticBrainz acousticbrainz.Config `mapstructure:"acousticbrainz"`
	LastFM         lastfm.Config         `mapstructure:"lastfm"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CrawlerConfig governs the harvest worker pool and its shutdown.
type CrawlerConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	HarvestTimeout time.Duration `mapstructure:"harvest_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ResolverConfig selects the catalog scope and where its cursor is saved.
type ResolverConfig struct {
	Queries        []string `mapstructure:"queries"`
	PageSize       int      `mapstructure:"page_size"`
	MaxPages       int      `mapstructure:"max_pages"`
	Market         string   `mapstructure:"market"`
	CheckpointPath string   `mapstructure:"checkpoint_path"`
}

// Scope returns the resolver's view of the catalog settings.
func (r ResolverConfig) Scope() resolver.Scope {
	return resolver.Scope{
		Queries:  r.Queries,
		PageSize: r.PageSize,
		MaxPages: r.MaxPages,
		Window:   spotify.MaxResults,
	}
}

// CacheConfig locates the shared response cache.
type CacheConfig struct {
	Dir          string   `mapstructure:"dir"`
	IgnoreParams []string `mapstructure:"ignore_params"`
}

// DeadLetterConfig locates records the store refused.
type DeadLetterConfig struct {
	Dir string `mapstructure:"dir"`
}

// QueueConfig controls persistence of the pending harvest queue.
type QueueConfig struct {
	// PersistPath holds the pending set between runs. Empty re-enqueues
	// identities that have no feature row instead.
	PersistPath string `mapstructure:"persist_path"`
}

// ReportConfig sets where session reports are written.
type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig selects the logger flavour.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig configures the ops listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads defaults, the optional config file at path and HARVESTER_*
// environment overrides. Each envFile (typically ".env") is loaded into the
// process environment first; missing env files are skipped.
func Load(path string, envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("live_network", true)
	v.SetDefault("session_id", "")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_capacity", 256)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.harvest_timeout", "60s")
	v.SetDefault("crawler.shutdown_grace", "30s")
	v.SetDefault("crawler.request_timeout", "20s")
	v.SetDefault("crawler.user_agent", DefaultUserAgent)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "10s")

	v.SetDefault("writer.max_attempts", 3)
	v.SetDefault("writer.base_delay", "100ms")
	v.SetDefault("writer.max_delay", "2s")
	v.SetDefault("writer.buffer", 64)
	v.SetDefault("writer.write_timeout", "30s")

	v.SetDefault("rate_limits.spotify", 10)
	v.SetDefault("rate_limits.musicbrainz", 1)
	v.SetDefault("rate_limits.acousticbrainz", 10)
	v.SetDefault("rate_limits.lastfm", 5)

	v.SetDefault("resolver.queries", []string{"year:2000"})
	v.SetDefault("resolver.page_size", 50)
	v.SetDefault("resolver.max_pages", 20)
	v.SetDefault("resolver.market", "")
	v.SetDefault("resolver.checkpoint_path", "data/checkpoint.json")

	v.SetDefault("cache.dir", "data/http-cache")
	v.SetDefault("cache.ignore_params", []string{"api_key"})

	v.SetDefault("store.backend", storage.BackendSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "data/harvest.db")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("dead_letter.dir", "data/dead-letter")
	v.SetDefault("queue.persist_path", "")
	v.SetDefault("report.dir", "data/reports")

	v.SetDefault("spotify.client_id", "")
	v.SetDefault("spotify.client_secret", "")
	v.SetDefault("spotify.base_url", "https://api.spotify.com/v1/")
	v.SetDefault("spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("musicbrainz.base_url", musicbrainz.DefaultBaseURL)
	v.SetDefault("musicbrainz.user_agent", "")
	v.SetDefault("musicbrainz.min_score", musicbrainz.DefaultMinScore)
	v.SetDefault("acousticbrainz.base_url", acousticbrainz.DefaultBaseURL)
	v.SetDefault("acousticbrainz.user_agent", "")
	v.SetDefault("lastfm.base_url", lastfm.DefaultBaseURL)
	v.SetDefault("lastfm.api_key", "")
	v.SetDefault("lastfm.user_agent", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.addr", "")
}

// applyDerived fills per-source settings that fall back to crawler-wide
// ones.
func (c *Config) applyDerived() {
	if c.MusicBrainz.UserAgent == "" {
		c.MusicBrainz.UserAgent = c.Crawler.UserAgent
	}
	if c.AcousticBrainz.UserAgent == "" {
		c.AcousticBrainz.UserAgent = c.Crawler.UserAgent
	}
	if c.LastFM.UserAgent == "" {
		c.LastFM.UserAgent = c.Crawler.UserAgent
	}
	if c.Spotify.Market == "" {
		c.Spotify.Market = c.Resolver.Market
	}
	if c.Writer.WriteTimeout <= 0 {
		c.Writer.WriteTimeout = 30 * time.Second
	}
}

// Validate rejects settings a session cannot start with.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueCapacity <= 0 {
		return fmt.Errorf("crawler.queue_capacity must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.HarvestTimeout <= 0 {
		return fmt.Errorf("crawler.harvest_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if len(c.Resolver.Queries) == 0 {
		return fmt.Errorf("resolver.queries must list at least one search query")
	}
	if c.Resolver.PageSize <= 0 || c.Resolver.PageSize > 50 {
		return fmt.Errorf("resolver.page_size must be between 1 and 50")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	for name, rps := range c.RateLimits {
		if rps < 0 {
			return fmt.Errorf("rate_limits.%s must be >= 0", name)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case storage.BackendSQLite, "":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite backend")
		}
	case storage.BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	case storage.BackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not one of sqlite, postgres, memory", c.Store.Backend)
	}
	if c.MusicBrainz.UserAgent == "" {
		return fmt.Errorf("musicbrainz.user_agent must be set")
	}
	if c.LiveNetwork {
		if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
			return fmt.Errorf("spotify.client_id and spotify.client_secret must be set when live_network is on")
		}
		if c.LastFM.APIKey == "" {
			return fmt.Errorf("lastfm.api_key must be set when live_network is on")
		}
	}
	return nil
}
