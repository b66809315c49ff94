// Package worker implements the harvest loop run by each member of the
// harvester pool.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/metrics"
	"github.com/JakeFAU/track-harvester/internal/session"
)

// Miss reasons recorded in FeatureRecord.Missing.
const (
	ReasonNotFound  = "not_found"
	ReasonTransient = "transient"
	ReasonAuth      = "auth_or_quota"
	ReasonDisabled  = "disabled"
	ReasonCacheMiss = "cache_miss"
	ReasonPermanent = "permanent"
)

var errSourceDisabled = errors.New("source disabled for this session")

// Config controls Worker behavior.
type Config struct {
	// HarvestTimeout bounds one track's harvest, shutdown included.
	HarvestTimeout time.Duration
	// Retry is the per-call policy for source and linker requests.
	Retry crawler.RetryConfig
}

// Worker consumes queue entries and turns each into one FeatureRecord.
type Worker struct {
	id      int
	queue   crawler.WorkQueue
	linker  crawler.MBIDLinker
	sources []crawler.FeatureSource
	writer  crawler.Submitter[crawler.FeatureRecord]
	session *session.Session
	clock   crawler.Clock
	retry   *crawler.RetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. linker may be nil when no source needs an MBID.
func New(
	id int,
	queue crawler.WorkQueue,
	linker crawler.MBIDLinker,
	sources []crawler.FeatureSource,
	writer crawler.Submitter[crawler.FeatureRecord],
	sess *session.Session,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HarvestTimeout <= 0 {
		cfg.HarvestTimeout = time.Minute
	}
	metrics.Init()
	return &Worker{
		id:      id,
		queue:   queue,
		linker:  linker,
		sources: sources,
		writer:  writer,
		session: sess,
		clock:   clock,
		retry:   crawler.NewRetryPolicy(cfg.Retry),
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, harvesting entries until the queue drains, closes, or ctx is
// canceled. An entry already dequeued is always finished or released.
func (w *Worker) Run(ctx context.Context) {
	for {
		// A canceled Dequeue still hands out pending entries.
		if ctx.Err() != nil {
			return
		}
		entry, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Debug("worker stopping", zap.Error(err))
			return
		}
		w.process(ctx, entry)
	}
}

type callResult struct {
	source crawler.Source
	frag   crawler.Fragment
	err    error
}

func (w *Worker) process(ctx context.Context, entry crawler.QueueEntry) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("track_id", string(entry.TrackID)), zap.Int("attempt", entry.Attempt))

	// In-flight harvests outlive shutdown, bounded by the harvest timeout.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.HarvestTimeout)
	defer cancel()

	rec, results := w.harvest(hctx, entry)
	if ctx.Err() != nil && hctx.Err() != nil {
		w.queue.Release(entry)
		w.session.RecordRelease()
		logger.Info("harvest cut short by shutdown; released")
		return
	}

	ok, transient := 0, false
	for _, res := range results {
		if res.err == nil {
			rec.Merge(res.frag)
			ok++
			continue
		}
		reason := Reason(res.err)
		if rec.Missing == nil {
			rec.Missing = make(map[crawler.Source]string)
		}
		rec.Missing[res.source] = reason
		metrics.ObserveSourceMiss(string(res.source), reason)
		if reason == ReasonTransient {
			transient = true
		}
		logger.Debug("source missed", zap.String("source", string(res.source)), zap.String("reason", reason), zap.Error(res.err))
	}

	switch {
	case ok == len(results):
		rec.Status = crawler.FeatureStatusComplete
	case ok > 0:
		rec.Status = crawler.FeatureStatusPartial
	default:
		if transient && w.queue.Requeue(entry) {
			w.session.RecordRequeue()
			logger.Info("every source failed transiently; requeued")
			return
		}
		rec.Status = crawler.FeatureStatusFailed
	}
	w.commit(ctx, entry, rec, logger)
}

// harvest links the MBID and then calls every source concurrently. The
// results are in source order.
func (w *Worker) harvest(ctx context.Context, entry crawler.QueueEntry) (crawler.FeatureRecord, []callResult) {
	rec := crawler.FeatureRecord{TrackID: entry.TrackID, Attempt: entry.Attempt}
	target := crawler.HarvestTarget{TrackID: entry.TrackID, Lookup: entry.Lookup}

	linkErr := w.link(ctx, &target)
	rec.MBID = target.MBID

	results := make([]callResult, len(w.sources))
	var g errgroup.Group
	for i, src := range w.sources {
		g.Go(func() error {
			frag, err := w.call(ctx, src, target, linkErr)
			results[i] = callResult{source: src.Source(), frag: frag, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return rec, results
}

func (w *Worker) link(ctx context.Context, target *crawler.HarvestTarget) error {
	if w.linker == nil || !w.needsMBID() {
		return crawler.ErrNotFound
	}
	if w.session.Disabled(crawler.SourceMusicBrainz) {
		return errSourceDisabled
	}
	_, err := w.retry.Do(ctx, func(ctx context.Context) error {
		mbid, err := w.linker.LinkMBID(ctx, target.Lookup)
		if err != nil {
			return err
		}
		target.MBID = mbid
		return nil
	})
	if err != nil {
		w.disableOnAuth(crawler.SourceMusicBrainz, err)
		metrics.ObserveSourceMiss(string(crawler.SourceMusicBrainz), Reason(err))
	}
	return err
}

func (w *Worker) needsMBID() bool {
	for _, src := range w.sources {
		if src.NeedsMBID() {
			return true
		}
	}
	return false
}

func (w *Worker) call(ctx context.Context, src crawler.FeatureSource, target crawler.HarvestTarget, linkErr error) (crawler.Fragment, error) {
	if w.session.Disabled(src.Source()) {
		return crawler.Fragment{}, errSourceDisabled
	}
	if src.NeedsMBID() && target.MBID == "" {
		if linkErr == nil {
			linkErr = crawler.ErrNotFound
		}
		return crawler.Fragment{}, linkErr
	}
	var frag crawler.Fragment
	_, err := w.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		frag, err = src.Harvest(ctx, target)
		return err
	})
	if err != nil {
		w.disableOnAuth(src.Source(), err)
		return crawler.Fragment{}, err
	}
	return frag, nil
}

func (w *Worker) disableOnAuth(src crawler.Source, err error) {
	if !errors.Is(err, crawler.ErrAuthOrQuota) {
		return
	}
	if w.session.Disable(src, err) {
		w.logger.Error("source disabled for the rest of the session", zap.String("source", string(src)), zap.Error(err))
	}
}

// commit hands the record to the feature writer and completes the entry
// once the writer has acknowledged it.
func (w *Worker) commit(ctx context.Context, entry crawler.QueueEntry, rec crawler.FeatureRecord, logger *zap.Logger) {
	if w.clock != nil {
		rec.HarvestedAt = w.clock.Now()
	}
	ack, err := w.writer.Submit(context.WithoutCancel(ctx), rec)
	if err != nil {
		w.queue.Release(entry)
		w.session.RecordRelease()
		logger.Error("feature writer refused record; released", zap.Error(err))
		return
	}
	if err := <-ack; err != nil {
		logger.Error("feature record dead-lettered", zap.Error(err))
	}
	w.session.RecordFeature(rec)
	metrics.ObserveFeatureRecord(string(rec.Status))
	w.queue.Complete(entry.TrackID)
	logger.Debug("feature record written",
		zap.String("status", string(rec.Status)),
		zap.Int("missing", len(rec.Missing)),
	)
}

// Reason maps a source failure onto the reason stored in
// FeatureRecord.Missing.
func Reason(err error) string {
	switch {
	case errors.Is(err, errSourceDisabled):
		return ReasonDisabled
	case errors.Is(err, crawler.ErrCacheMiss):
		return ReasonCacheMiss
	case errors.Is(err, crawler.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, crawler.ErrAuthOrQuota):
		return ReasonAuth
	case errors.Is(err, crawler.ErrTransient):
		return ReasonTransient
	default:
		return ReasonPermanent
	}
}
