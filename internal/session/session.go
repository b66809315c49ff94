// Package session holds the state owned by one crawl session: counters,
// disabled sources, page gaps and dead letters. Every component receives
// the Session it reports into, so sessions never share state.
package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// PageGap is a catalog page skipped after its retries were spent.
type PageGap struct {
	Query  string `json:"query"`
	Offset int    `json:"offset"`
	Reason string `json:"reason"`
}

// DeadLetter names a record the store refused.
type DeadLetter struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Path string `json:"path,omitempty"`
}

// Report is the auditable summary of a session.
type Report struct {
	SessionID          string                    `json:"session_id"`
	StartedAt          time.Time                 `json:"started_at"`
	FinishedAt         time.Time                 `json:"finished_at"`
	IdentitiesResolved int                       `json:"identities_resolved"`
	FeaturesComplete   int                       `json:"features_complete"`
	FeaturesPartial    int                       `json:"features_partial"`
	PartialBySource    map[crawler.Source]int    `json:"partial_by_source,omitempty"`
	FeaturesFailed     int                       `json:"features_failed"`
	FailedTrackIDs     []crawler.TrackID         `json:"failed_track_ids,omitempty"`
	Requeued           int                       `json:"requeued"`
	Released           int                       `json:"released"`
	PageGaps           []PageGap                 `json:"page_gaps,omitempty"`
	DeadLetters        []DeadLetter              `json:"dead_letters,omitempty"`
	DisabledSources    map[crawler.Source]string `json:"disabled_sources,omitempty"`
	FatalError         string                    `json:"fatal_error,omitempty"`
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	startedAt time.Time
	clock     crawler.Clock

	mu              sync.Mutex
	identities      map[crawler.TrackID]struct{}
	complete        int
	partial         int
	partialBySource map[crawler.Source]int
	failed          []crawler.TrackID
	requeued        int
	released        int
	pageGaps        []PageGap
	deadLetters     []DeadLetter
	disabled        map[crawler.Source]string
	fatal           error
}

// New starts a session.
func New(id string, clock crawler.Clock) *Session {
	return &Session{
		id:              id,
		startedAt:       clock.Now(),
		clock:           clock,
		identities:      make(map[crawler.TrackID]struct{}),
		partialBySource: make(map[crawler.Source]int),
		disabled:        make(map[crawler.Source]string),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RecordIdentity counts a resolved identity. A TrackID counts once per
// session however many queries return it; the result reports whether id was
// new.
func (s *Session) RecordIdentity(id crawler.TrackID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.identities[id]; seen {
		return false
	}
	s.identities[id] = struct{}{}
	return true
}

// RecordFeature counts a terminal feature record by status.
func (s *Session) RecordFeature(rec crawler.FeatureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec.Status {
	case crawler.FeatureStatusComplete:
		s.complete++
	case crawler.FeatureStatusPartial:
		s.partial++
		for src := range rec.Missing {
			s.partialBySource[src]++
		}
	case crawler.FeatureStatusFailed:
		s.failed = append(s.failed, rec.TrackID)
	}
}

// RecordRequeue counts a harvest that went back to the queue.
func (s *Session) RecordRequeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued++
}

// RecordRelease counts a harvest interrupted by shutdown.
func (s *Session) RecordRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

// RecordPageGap notes a skipped catalog page.
func (s *Session) RecordPageGap(query string, offset int, cause error) {
	gap := PageGap{Query: query, Offset: offset}
	if cause != nil {
		gap.Reason = cause.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageGaps = append(s.pageGaps, gap)
}

// RecordDeadLetter notes a record written to the dead-letter directory.
func (s *Session) RecordDeadLetter(kind, key, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, DeadLetter{Kind: kind, Key: key, Path: path})
}

// Disable turns src off for the rest of the session. It reports whether
// this call disabled it.
func (s *Session) Disable(src crawler.Source, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disabled[src]; ok {
		return false
	}
	reason := "disabled"
	if cause != nil {
		reason = cause.Error()
	}
	s.disabled[src] = reason
	return true
}

// Disabled reports whether src was disabled.
func (s *Session) Disabled(src crawler.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.disabled[src]
	return ok
}

// Fail records the session-fatal error. The first one wins.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// Err returns the session-fatal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Report snapshots the counters.
func (s *Session) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		SessionID:          s.id,
		StartedAt:          s.startedAt,
		FinishedAt:         s.clock.Now(),
		IdentitiesResolved: len(s.identities),
		FeaturesComplete:   s.complete,
		FeaturesPartial:    s.partial,
		PartialBySource:    maps.Clone(s.partialBySource),
		FeaturesFailed:     len(s.failed),
		FailedTrackIDs:     slices.Sorted(slices.Values(s.failed)),
		Requeued:           s.requeued,
		Released:           s.released,
		PageGaps:           slices.Clone(s.pageGaps),
		DeadLetters:        slices.Clone(s.deadLetters),
		DisabledSources:    maps.Clone(s.disabled),
	}
	if s.fatal != nil {
		r.FatalError = s.fatal.Error()
	}
	return r
}

// Log writes the report as one structured entry plus one warning per gap.
func (r Report) Log(logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("session_id", r.SessionID),
		zap.Duration("elapsed", r.FinishedAt.Sub(r.StartedAt)),
		zap.Int("identities_resolved", r.IdentitiesResolved),
		zap.Int("features_complete", r.FeaturesComplete),
		zap.Int("features_partial", r.FeaturesPartial),
		zap.Int("features_failed", r.FeaturesFailed),
		zap.Int("requeued", r.Requeued),
		zap.Int("released", r.Released),
		zap.Int("page_gaps", len(r.PageGaps)),
		zap.Int("dead_letters", len(r.DeadLetters)),
	}
	for src, n := range r.PartialBySource {
		fields = append(fields, zap.Int("partial_missing_"+string(src), n))
	}
	logger.Info("crawl session finished", fields...)
	for src, reason := range r.DisabledSources {
		logger.Warn("source disabled for session", zap.String("source", string(src)), zap.String("reason", reason))
	}
	for _, gap := range r.PageGaps {
		logger.Warn("catalog page skipped", zap.String("query", gap.Query), zap.Int("offset", gap.Offset), zap.String("reason", gap.Reason))
	}
	for _, id := range r.FailedTrackIDs {
		logger.Warn("track permanently failed", zap.String("track_id", string(id)))
	}
	if r.FatalError != "" {
		logger.Error("session aborted", zap.String("error", r.FatalError))
	}
}

// WriteFile stores the report as indented JSON.
func (r Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session report: %w", err)
	}
	return nil
}
