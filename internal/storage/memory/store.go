// Package memory provides an in-process store for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/track-harvester/internal/crawler"
)

// Store implements crawler.Store with maps guarded by a mutex.
type Store struct {
	mu         sync.RWMutex
	identities map[crawler.TrackID]crawler.IdentityRecord
	features   map[crawler.TrackID]crawler.FeatureRecord
	writes     map[crawler.TrackID]int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		identities: make(map[crawler.TrackID]crawler.IdentityRecord),
		features:   make(map[crawler.TrackID]crawler.FeatureRecord),
		writes:     make(map[crawler.TrackID]int),
	}
}

// UpsertIdentity stores record, keeping a known ISRC when record has none.
func (s *Store) UpsertIdentity(_ context.Context, record crawler.IdentityRecord) error {
	if record.TrackID == "" {
		return fmt.Errorf("identity record without track id: %w", crawler.ErrPermanent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.identities[record.TrackID]; ok {
		if record.ISRC == "" {
			record.ISRC = prev.ISRC
		}
		if record.ReleaseDate == "" {
			record.ReleaseDate = prev.ReleaseDate
		}
	}
	record.Artists = slices.Clone(record.Artists)
	s.identities[record.TrackID] = record
	return nil
}

// UpsertFeature stores a copy of record.
func (s *Store) UpsertFeature(_ context.Context, record crawler.FeatureRecord) error {
	if record.TrackID == "" {
		return fmt.Errorf("feature record without track id: %w", crawler.ErrPermanent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[record.TrackID] = cloneFeature(record)
	s.writes[record.TrackID]++
	return nil
}

// HarvestedTrackIDs implements crawler.Store.
func (s *Store) HarvestedTrackIDs(_ context.Context) ([]crawler.TrackID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.features)), nil
}

// UnharvestedIdentities implements crawler.Store.
func (s *Store) UnharvestedIdentities(_ context.Context) ([]crawler.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.IdentityRecord
	for id, rec := range s.identities {
		if _, done := s.features[id]; !done {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b crawler.IdentityRecord) int {
		if c := a.ResolvedAt.Compare(b.ResolvedAt); c != 0 {
			return c
		}
		if a.TrackID < b.TrackID {
			return -1
		}
		if a.TrackID > b.TrackID {
			return 1
		}
		return 0
	})
	return out, nil
}

// Close implements crawler.Store.
func (s *Store) Close() error {
	return nil
}

// Identity returns the stored identity for id.
func (s *Store) Identity(id crawler.TrackID) (crawler.IdentityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	return rec, ok
}

// Feature returns a copy of the stored feature row for id.
func (s *Store) Feature(id crawler.TrackID) (crawler.FeatureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.features[id]
	if !ok {
		return crawler.FeatureRecord{}, false
	}
	return cloneFeature(rec), true
}

// Features returns copies of every feature row ordered by TrackID.
func (s *Store) Features() []crawler.FeatureRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.FeatureRecord, 0, len(s.features))
	for _, id := range slices.Sorted(maps.Keys(s.features)) {
		out = append(out, cloneFeature(s.features[id]))
	}
	return out
}

// IdentityCount returns the number of identity rows.
func (s *Store) IdentityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// FeatureWrites returns how many times the feature row for id was written.
func (s *Store) FeatureWrites(id crawler.TrackID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[id]
}

func cloneFeature(r crawler.FeatureRecord) crawler.FeatureRecord {
	r.HighLevel = maps.Clone(r.HighLevel)
	r.HighLevelLabels = maps.Clone(r.HighLevelLabels)
	r.LowLevel = maps.Clone(r.LowLevel)
	r.Tags = slices.Clone(r.Tags)
	r.Missing = maps.Clone(r.Missing)
	return r
}
