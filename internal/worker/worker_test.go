package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/clock/system"
	"github.com/JakeFAU/track-harvester/internal/crawler"
	queuemem "github.com/JakeFAU/track-harvester/internal/queue/memory"
	"github.com/JakeFAU/track-harvester/internal/session"
	memstore "github.com/JakeFAU/track-harvester/internal/storage/memory"
	"github.com/JakeFAU/track-harvester/internal/writer"
)

var fastRetry = crawler.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fakeSource struct {
	source    crawler.Source
	needsMBID bool
	calls     atomic.Int32
	harvest   func(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error)
}

func (f *fakeSource) Source() crawler.Source { return f.source }
func (f *fakeSource) NeedsMBID() bool        { return f.needsMBID }

func (f *fakeSource) Harvest(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error) {
	f.calls.Add(1)
	return f.harvest(ctx, target)
}

type fakeLinker struct {
	mbid string
	err  error
}

func (f fakeLinker) LinkMBID(context.Context, crawler.Lookup) (string, error) {
	return f.mbid, f.err
}

func okSource(src crawler.Source, needsMBID bool, frag crawler.Fragment) *fakeSource {
	return &fakeSource{source: src, needsMBID: needsMBID, harvest: func(context.Context, crawler.HarvestTarget) (crawler.Fragment, error) {
		return frag, nil
	}}
}

func failingSource(src crawler.Source, needsMBID bool, status int) *fakeSource {
	return &fakeSource{source: src, needsMBID: needsMBID, harvest: func(context.Context, crawler.HarvestTarget) (crawler.Fragment, error) {
		return crawler.Fragment{}, crawler.NewSourceError(src, status, nil)
	}}
}

func highLevel() *fakeSource {
	return okSource(crawler.SourceHighLevel, true, crawler.Fragment{
		HighLevel:       map[string]float64{"danceability.probability": 0.7},
		HighLevelLabels: map[string]string{"danceability": "danceable"},
	})
}

func lowLevel() *fakeSource {
	return okSource(crawler.SourceLowLevel, true, crawler.Fragment{LowLevel: map[string]float64{"rhythm.bpm": 120}})
}

func tags() *fakeSource {
	return okSource(crawler.SourceTags, false, crawler.Fragment{Tags: []crawler.Tag{{Name: "rock", Weight: 100}}})
}

type harness struct {
	queue   *queuemem.Queue
	store   *memstore.Store
	writer  *writer.Writer[crawler.FeatureRecord]
	session *session.Session
}

func newHarness(t *testing.T, maxAttempts int, ids ...crawler.TrackID) *harness {
	t.Helper()
	clock := system.New()
	h := &harness{
		queue:   queuemem.NewQueue(queuemem.Config{Capacity: 16, MaxAttempts: maxAttempts}, clock),
		store:   memstore.NewStore(),
		session: session.New("test", clock),
	}
	h.writer = writer.New("feature", h.store.UpsertFeature,
		func(r crawler.FeatureRecord) string { return string(r.TrackID) },
		writer.Config{MaxAttempts: 1}, nil, nil, zap.NewNop())
	go h.writer.Run(context.Background())
	t.Cleanup(h.writer.Close)

	for _, id := range ids {
		_, err := h.queue.Enqueue(context.Background(), id, crawler.Lookup{Title: "Song " + string(id), Artist: "Band"})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) worker(linker crawler.MBIDLinker, sources ...crawler.FeatureSource) *Worker {
	return New(1, h.queue, linker, sources, h.writer, h.session, system.New(),
		Config{HarvestTimeout: time.Second, Retry: fastRetry}, zap.NewNop())
}

// drain runs w until the queue reports it is drained.
func (h *harness) drain(t *testing.T, w *Worker) {
	t.Helper()
	h.queue.CloseInput()
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
}

func TestWorkerWritesCompleteRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"}, highLevel(), lowLevel(), tags()))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusComplete, rec.Status)
	require.Equal(t, "mbid-1", rec.MBID)
	require.Empty(t, rec.Missing)
	require.Equal(t, 0.7, rec.HighLevel["danceability.probability"])
	require.Equal(t, "danceable", rec.HighLevelLabels["danceability"])
	require.Equal(t, 120.0, rec.LowLevel["rhythm.bpm"])
	require.Equal(t, []crawler.Tag{{Name: "rock", Weight: 100}}, rec.Tags)
	require.Equal(t, 0, h.queue.InFlight())
	require.Equal(t, 1, h.session.Report().FeaturesComplete)
}

func TestWorkerMarksPartialWhenOneSourceKeepsFailing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	low := failingSource(crawler.SourceLowLevel, true, http.StatusServiceUnavailable)
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"}, highLevel(), low, tags()))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusPartial, rec.Status)
	require.Equal(t, map[crawler.Source]string{crawler.SourceLowLevel: ReasonTransient}, rec.Missing)
	require.NotEmpty(t, rec.HighLevel)
	require.NotEmpty(t, rec.Tags)
	require.EqualValues(t, fastRetry.MaxAttempts, low.calls.Load())

	report := h.session.Report()
	require.Equal(t, 1, report.FeaturesPartial)
	require.Equal(t, 1, report.PartialBySource[crawler.SourceLowLevel])
	require.Zero(t, report.Requeued)
}

func TestWorkerWritesOneFailedRecordAfterRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"},
		failingSource(crawler.SourceHighLevel, true, http.StatusBadGateway),
		failingSource(crawler.SourceLowLevel, true, http.StatusTooManyRequests),
		failingSource(crawler.SourceTags, false, http.StatusServiceUnavailable),
	))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusFailed, rec.Status)
	require.Equal(t, 2, rec.Attempt)
	require.Len(t, rec.Missing, 3)
	require.Equal(t, 1, h.store.FeatureWrites("t1"))

	report := h.session.Report()
	require.Equal(t, 2, report.Requeued)
	require.Equal(t, []crawler.TrackID{"t1"}, report.FailedTrackIDs)
}

func TestWorkerDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	high := failingSource(crawler.SourceHighLevel, true, http.StatusNotFound)
	low := failingSource(crawler.SourceLowLevel, true, http.StatusNotFound)
	lastfm := failingSource(crawler.SourceTags, false, http.StatusNotFound)
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"}, high, low, lastfm))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusFailed, rec.Status)
	require.Equal(t, 0, rec.Attempt)
	for _, src := range []*fakeSource{high, low, lastfm} {
		require.EqualValues(t, 1, src.calls.Load(), src.source)
		require.Equal(t, ReasonNotFound, rec.Missing[src.source])
	}
	require.Zero(t, h.session.Report().Requeued)
}

func TestWorkerSkipsMBIDSourcesWhenLinkFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	high, low := highLevel(), lowLevel()
	h.drain(t, h.worker(fakeLinker{err: crawler.NewSourceError(crawler.SourceMusicBrainz, http.StatusNotFound, nil)}, high, low, tags()))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusPartial, rec.Status)
	require.Empty(t, rec.MBID)
	require.Equal(t, map[crawler.Source]string{
		crawler.SourceHighLevel: ReasonNotFound,
		crawler.SourceLowLevel:  ReasonNotFound,
	}, rec.Missing)
	require.Zero(t, high.calls.Load())
	require.Zero(t, low.calls.Load())
}

func TestWorkerDisablesSourceOnAuthError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1", "t2")
	lastfm := failingSource(crawler.SourceTags, false, http.StatusForbidden)
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"}, highLevel(), lowLevel(), lastfm))

	first, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, ReasonAuth, first.Missing[crawler.SourceTags])
	second, ok := h.store.Feature("t2")
	require.True(t, ok)
	require.Equal(t, ReasonDisabled, second.Missing[crawler.SourceTags])
	require.EqualValues(t, 1, lastfm.calls.Load())
	require.True(t, h.session.Disabled(crawler.SourceTags))
	require.Contains(t, h.session.Report().DisabledSources, crawler.SourceTags)
}

func TestWorkerCacheMissIsAMissForThatCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	replay := &fakeSource{source: crawler.SourceTags, harvest: func(context.Context, crawler.HarvestTarget) (crawler.Fragment, error) {
		return crawler.Fragment{}, crawler.NewSourceError(crawler.SourceTags, 0, crawler.ErrCacheMiss)
	}}
	h.drain(t, h.worker(fakeLinker{mbid: "mbid-1"}, highLevel(), replay))

	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusPartial, rec.Status)
	require.Equal(t, ReasonCacheMiss, rec.Missing[crawler.SourceTags])
	require.EqualValues(t, 1, replay.calls.Load())
	require.False(t, h.session.Disabled(crawler.SourceTags))
}

func TestWorkerReleasesHarvestCutShortByShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1")
	started := make(chan struct{}, 1)
	stuck := &fakeSource{source: crawler.SourceTags, harvest: func(ctx context.Context, _ crawler.HarvestTarget) (crawler.Fragment, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return crawler.Fragment{}, crawler.NewSourceError(crawler.SourceTags, 0, ctx.Err())
	}}
	w := New(1, h.queue, nil, []crawler.FeatureSource{stuck}, h.writer, h.session, system.New(),
		Config{HarvestTimeout: 50 * time.Millisecond, Retry: fastRetry}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}
	require.Equal(t, 1, h.queue.Len())
	require.Zero(t, h.queue.InFlight())
	require.Empty(t, h.store.Features())
	require.Equal(t, 1, h.session.Report().Released)
}

func TestWorkerFinishesInFlightHarvestAfterShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1", "t2")
	started := make(chan struct{}, 1)
	proceed := make(chan struct{})
	slow := &fakeSource{source: crawler.SourceTags, harvest: func(context.Context, crawler.HarvestTarget) (crawler.Fragment, error) {
		started <- struct{}{}
		<-proceed
		return crawler.Fragment{Tags: []crawler.Tag{{Name: "jazz", Weight: 10}}}, nil
	}}
	w := h.worker(nil, slow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	<-started
	cancel()
	close(proceed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}
	rec, ok := h.store.Feature("t1")
	require.True(t, ok)
	require.Equal(t, crawler.FeatureStatusComplete, rec.Status)
	// t2 was never dequeued.
	require.Equal(t, 1, h.queue.Len())
	require.Zero(t, h.queue.InFlight())
}

func TestWorkersShareShutdownAcrossPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, "t1", "t2", "t3", "t4")
	started := make(chan crawler.TrackID, 3)
	proceed := make(chan struct{})
	src := &fakeSource{source: crawler.SourceTags, harvest: func(ctx context.Context, target crawler.HarvestTarget) (crawler.Fragment, error) {
		started <- target.TrackID
		if target.TrackID == "t3" {
			<-ctx.Done()
			return crawler.Fragment{}, crawler.NewSourceError(crawler.SourceTags, 0, ctx.Err())
		}
		<-proceed
		return crawler.Fragment{Tags: []crawler.Tag{{Name: "dub", Weight: 40}}}, nil
	}}
	cfg := Config{HarvestTimeout: 300 * time.Millisecond, Retry: fastRetry}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)
	for id := 1; id <= 3; id++ {
		w := New(id, h.queue, nil, []crawler.FeatureSource{src}, h.writer, h.session, system.New(), cfg, zap.NewNop())
		go func() {
			w.Run(ctx)
			done <- struct{}{}
		}()
	}
	inFlight := map[crawler.TrackID]bool{}
	for range 3 {
		inFlight[<-started] = true
	}
	require.Equal(t, map[crawler.TrackID]bool{"t1": true, "t2": true, "t3": true}, inFlight)
	cancel()
	close(proceed)

	for range 3 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not stop after shutdown")
		}
	}
	for _, id := range []crawler.TrackID{"t1", "t2"} {
		rec, ok := h.store.Feature(id)
		require.True(t, ok, id)
		require.Equal(t, crawler.FeatureStatusComplete, rec.Status)
	}
	_, ok := h.store.Feature("t3")
	require.False(t, ok)
	require.Len(t, h.store.Features(), 2)
	// t3 was released and t4 was never dequeued.
	require.Equal(t, 2, h.queue.Len())
	require.Zero(t, h.queue.InFlight())
	report := h.session.Report()
	require.Equal(t, 1, report.Released)
	require.Equal(t, 2, report.FeaturesComplete)
	require.EqualValues(t, 3, src.calls.Load())
}

func TestReason(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		ReasonNotFound:  crawler.NewSourceError(crawler.SourceTags, http.StatusNotFound, nil),
		ReasonTransient: crawler.NewSourceError(crawler.SourceTags, http.StatusTooManyRequests, nil),
		ReasonAuth:      crawler.NewSourceError(crawler.SourceTags, http.StatusUnauthorized, nil),
		ReasonCacheMiss: crawler.NewSourceError(crawler.SourceTags, 0, crawler.ErrCacheMiss),
		ReasonPermanent: errors.New("decode failed"),
		ReasonDisabled:  errSourceDisabled,
	}
	for want, err := range cases {
		require.Equal(t, want, Reason(err), err.Error())
	}
}
