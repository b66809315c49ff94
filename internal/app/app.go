// Package app builds the harvester's long-lived services and runs one crawl
// session over them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/checkpoint"
	"github.com/JakeFAU/track-harvester/internal/clock/system"
	"github.com/JakeFAU/track-harvester/internal/config"
	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/dispatcher"
	"github.com/JakeFAU/track-harvester/internal/httpcache"
	"github.com/JakeFAU/track-harvester/internal/id/uuid"
	"github.com/JakeFAU/track-harvester/internal/logging"
	"github.com/JakeFAU/track-harvester/internal/metrics"
	"github.com/JakeFAU/track-harvester/internal/policy/ratelimit"
	queuemem "github.com/JakeFAU/track-harvester/internal/queue/memory"
	"github.com/JakeFAU/track-harvester/internal/resolver"
	"github.com/JakeFAU/track-harvester/internal/session"
	"github.com/JakeFAU/track-harvester/internal/sources/acousticbrainz"
	"github.com/JakeFAU/track-harvester/internal/sources/lastfm"
	"github.com/JakeFAU/track-harvester/internal/sources/musicbrainz"
	"github.com/JakeFAU/track-harvester/internal/sources/spotify"
	"github.com/JakeFAU/track-harvester/internal/storage"
	"github.com/JakeFAU/track-harvester/internal/storage/local"
	"github.com/JakeFAU/track-harvester/internal/worker"
	"github.com/JakeFAU/track-harvester/internal/writer"
)

// App holds every service one crawl session needs.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   crawler.Clock
	session *session.Session

	cache      *httpcache.Cache
	store      crawler.Store
	dead       *local.DeadLetter
	queue      *queuemem.Queue
	identities *writer.Writer[crawler.IdentityRecord]
	features   *writer.Writer[crawler.FeatureRecord]
	resolver   *resolver.Resolver
	pool       *dispatcher.Dispatcher
	ops        *metrics.Server
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		sessionID = id
	}
	clock := system.New()
	a := &App{
		cfg:     cfg,
		logger:  logging.ForSession(logger, sessionID),
		clock:   clock,
		session: session.New(sessionID, clock),
	}
	a.logger.Info("building harvester",
		zap.Bool("live_network", cfg.LiveNetwork),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("store", cfg.Store.Backend),
		zap.Strings("queries", cfg.Resolver.Queries),
	)
	if err := a.build(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	var err error

	limiter := ratelimit.New(ratelimit.Config{PerHost: hostLimits(cfg)})
	a.cache, err = httpcache.New(httpcache.Config{
		Dir:            cfg.Cache.Dir,
		Live:           cfg.LiveNetwork,
		IgnoreParams:   cfg.Cache.IgnoreParams,
		RequestTimeout: cfg.Crawler.RequestTimeout,
		UserAgent:      cfg.Crawler.UserAgent,
	}, &http.Client{}, limiter, a.logger)
	if err != nil {
		return fmt.Errorf("response cache init failed: %w", err)
	}

	a.store, err = storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	a.dead, err = local.New(local.Config{Dir: cfg.DeadLetter.Dir})
	if err != nil {
		return fmt.Errorf("dead-letter init failed: %w", err)
	}

	a.queue = queuemem.NewQueue(queuemem.Config{
		Capacity:    cfg.Crawler.QueueCapacity,
		MaxAttempts: cfg.Crawler.MaxAttempts,
	}, a.clock)
	a.identities = writer.New("identity", a.store.UpsertIdentity,
		func(r crawler.IdentityRecord) string { return string(r.TrackID) },
		cfg.Writer, a.dead, a.session, a.logger)
	a.features = writer.New("feature", a.store.UpsertFeature,
		func(r crawler.FeatureRecord) string { return string(r.TrackID) },
		cfg.Writer, a.dead, a.session, a.logger)

	catalogClient, err := spotify.NewHTTPClient(ctx, cfg.Spotify, a.cache.Transport(), cfg.LiveNetwork)
	if err != nil {
		return fmt.Errorf("catalog client init failed: %w", err)
	}
	catalog := spotify.New(catalogClient, cfg.Spotify, a.clock)
	a.resolver = resolver.New(
		catalog,
		cfg.Resolver.Scope(),
		a.identities,
		a.queue,
		checkpoint.New(cfg.Resolver.CheckpointPath, cfg.Resolver.Queries, a.clock),
		a.session,
		cfg.Retry,
		a.logger,
	)

	linker, err := musicbrainz.New(a.cache, cfg.MusicBrainz)
	if err != nil {
		return fmt.Errorf("musicbrainz linker init failed: %w", err)
	}
	sources := []crawler.FeatureSource{
		acousticbrainz.NewHighLevel(a.cache, cfg.AcousticBrainz),
		acousticbrainz.NewLowLevel(a.cache, cfg.AcousticBrainz),
		lastfm.New(a.cache, cfg.LastFM, a.logger),
	}
	workerCfg := worker.Config{HarvestTimeout: cfg.Crawler.HarvestTimeout, Retry: cfg.Retry}
	a.pool = dispatcher.NewPool(cfg.Crawler.Workers, func(id int) *worker.Worker {
		return worker.New(id, a.queue, linker, sources, a.features, a.session, a.clock, workerCfg, a.logger.Named("worker"))
	}, a.logger)

	if cfg.Metrics.Addr != "" {
		a.ops = metrics.NewServer(cfg.Metrics.Addr, a.session.Err, a.logger.Named("ops"))
	}
	return nil
}

// hostLimits maps the per-source rates onto the hosts of the configured
// base URLs.
func hostLimits(cfg config.Config) map[string]float64 {
	bases := map[string]string{
		"spotify":        cfg.Spotify.BaseURL,
		"musicbrainz":    cfg.MusicBrainz.BaseURL,
		"acousticbrainz": cfg.AcousticBrainz.BaseURL,
		"lastfm":         cfg.LastFM.BaseURL,
	}
	out := make(map[string]float64, len(bases))
	for name, base := range bases {
		rps, ok := cfg.RateLimits[name]
		if !ok || base == "" {
			continue
		}
		u, err := url.Parse(base)
		if err != nil || u.Hostname() == "" {
			continue
		}
		out[strings.ToLower(u.Hostname())] = rps
	}
	return out
}

// Session returns the session this App reports into.
func (a *App) Session() *session.Session {
	return a.session
}

// Store returns the backing store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Run executes one crawl session and blocks until the catalog scope is
// resolved and harvested, a fatal error occurs, or SIGINT/SIGTERM arrives.
// It always flushes the writers and returns the session report.
func (a *App) Run(ctx context.Context) (session.Report, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.ops != nil {
		a.ops.Start()
	}
	if err := a.restore(ctx); err != nil {
		// Nothing ran; leave any queue snapshot on disk untouched.
		a.session.Fail(err)
		report := a.session.Report()
		report.Log(a.logger)
		return report, err
	}

	go a.identities.Run(ctx)
	go a.features.Run(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poolDone := make(chan struct{})
	go func() {
		a.pool.Run(runCtx)
		close(poolDone)
	}()

	resolveErr := a.resolver.Run(runCtx)
	if resolveErr != nil {
		a.logger.Error("resolver stopped the session", zap.Error(resolveErr))
		cancel()
	}

	select {
	case <-poolDone:
	case <-ctx.Done():
		a.logger.Info("shutdown initiated; waiting for in-flight harvests",
			zap.Int("in_flight", a.queue.InFlight()),
			zap.Duration("grace", a.cfg.Crawler.ShutdownGrace),
		)
		a.awaitPool(poolDone)
	}
	cancel()

	report := a.finish()
	if resolveErr != nil {
		return report, resolveErr
	}
	return report, a.session.Err()
}

func (a *App) awaitPool(done <-chan struct{}) {
	grace := a.cfg.Crawler.ShutdownGrace
	if grace <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warn("shutdown grace expired; in-flight tracks stay queued",
			zap.Int("in_flight", a.queue.InFlight()))
		a.queue.Close()
	}
}

// restore seeds the queue from earlier sessions: harvested tracks are never
// queued again, the persisted pending set comes back with its attempt
// counts, and identities that still lack a feature row are queued.
func (a *App) restore(ctx context.Context) error {
	done, err := a.store.HarvestedTrackIDs(ctx)
	if err != nil {
		return fmt.Errorf("list harvested tracks: %w", err)
	}
	a.queue.MarkDone(done...)

	restored := 0
	if path := a.cfg.Queue.PersistPath; path != "" {
		restored, err = a.queue.LoadFile(path)
		if err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
	}

	pending, err := a.store.UnharvestedIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list unharvested identities: %w", err)
	}
	snap := queuemem.Snapshot{Entries: make([]crawler.QueueEntry, 0, len(pending))}
	for _, rec := range pending {
		snap.Entries = append(snap.Entries, crawler.QueueEntry{
			TrackID:    rec.TrackID,
			Lookup:     rec.Lookup(),
			EnqueuedAt: a.clock.Now(),
		})
	}
	requeued := a.queue.Restore(snap)

	a.logger.Info("queue restored",
		zap.Int("harvested", len(done)),
		zap.Int("from_snapshot", restored),
		zap.Int("unharvested", requeued),
	)
	return nil
}

// finish drains the writers, persists the unfinished work and emits the
// session report.
func (a *App) finish() session.Report {
	a.identities.Close()
	a.features.Close()
	a.awaitWriter(a.identities.Done(), "identity")
	a.awaitWriter(a.features.Done(), "feature")

	if path := a.cfg.Queue.PersistPath; path != "" {
		if err := a.queue.SaveFile(path); err != nil {
			a.logger.Error("queue snapshot failed", zap.Error(err))
		}
	}
	a.queue.Close()

	if n := a.dead.Count(); n > 0 {
		a.logger.Warn("records dead-lettered",
			zap.Int64("count", n),
			zap.String("dir", a.cfg.DeadLetter.Dir),
		)
	}

	stats := a.cache.Stats()
	a.logger.Info("response cache",
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Int64("replay_misses", stats.ReplayMisses),
		zap.Int64("network_calls", stats.NetworkCalls),
	)

	report := a.session.Report()
	report.Log(a.logger)
	if dir := a.cfg.Report.Dir; dir != "" {
		path := filepath.Join(dir, report.SessionID+".json")
		if err := report.WriteFile(path); err != nil {
			a.logger.Error("session report write failed", zap.Error(err))
		}
	}
	return report
}

// awaitWriter bounds the wait for a writer to flush its buffer.
func (a *App) awaitWriter(done <-chan struct{}, name string) {
	select {
	case <-done:
	case <-time.After(a.writerWait()):
		a.logger.Error("writer did not drain", zap.String("writer", name))
	}
}

func (a *App) writerWait() time.Duration {
	if a.cfg.Crawler.ShutdownGrace > 0 {
		return a.cfg.Crawler.ShutdownGrace
	}
	return 30 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			a.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("response cache close failed", zap.Error(err))
		}
	}
}

// isSyncNoise reports the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
