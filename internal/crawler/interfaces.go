package crawler

import (
	"context"
	"time"
)

// Fetcher performs upstream HTTP calls, normally through the response cache.
type Fetcher interface {
	GetOrFetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Evicter drops a stored response that turned out not to be definitive,
// such as an HTTP 200 carrying a rate limit error.
type Evicter interface {
	Evict(req FetchRequest) error
}

// CatalogSource pages through the restricted identity catalog.
type CatalogSource interface {
	SearchPage(ctx context.Context, query string, offset, limit int) (CatalogPage, error)
}

// FeatureSource looks up one kind of feature for a track.
type FeatureSource interface {
	Source() Source
	// NeedsMBID reports whether the source can only be queried by MBID.
	NeedsMBID() bool
	Harvest(ctx context.Context, target HarvestTarget) (Fragment, error)
}

// MBIDLinker maps a track onto its MusicBrainz recording ID.
type MBIDLinker interface {
	LinkMBID(ctx context.Context, lookup Lookup) (string, error)
}

// WorkQueue is the harvester-side view of the work queue.
type WorkQueue interface {
	Dequeue(ctx context.Context) (QueueEntry, error)
	Requeue(entry QueueEntry) bool
	Release(entry QueueEntry)
	Complete(id TrackID)
}

// Enqueuer is the resolver-side view of the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id TrackID, lookup Lookup) (bool, error)
	CloseInput()
}

// Submitter hands a record to a serialized writer. The returned channel
// yields exactly one value once the record is committed or dead-lettered.
type Submitter[T any] interface {
	Submit(ctx context.Context, record T) (<-chan error, error)
}

// IdentityStore persists identity rows.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, record IdentityRecord) error
}

// FeatureStore persists feature rows.
type FeatureStore interface {
	UpsertFeature(ctx context.Context, record FeatureRecord) error
}

// Store is a backing store with both tables plus the resume queries.
type Store interface {
	IdentityStore
	FeatureStore
	// HarvestedTrackIDs lists tracks that already have a feature row.
	HarvestedTrackIDs(ctx context.Context) ([]TrackID, error)
	// UnharvestedIdentities lists identities without a feature row.
	UnharvestedIdentities(ctx context.Context) ([]IdentityRecord, error)
	Close() error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
