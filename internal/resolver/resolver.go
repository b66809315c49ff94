// Package resolver walks the restricted catalog and turns every search
// result into an identity row plus a queued harvest.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/checkpoint"
	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/metrics"
	"github.com/JakeFAU/track-harvester/internal/session"
)

// Scope is the slice of the catalog a session walks.
type Scope struct {
	Queries  []string `mapstructure:"queries"`
	PageSize int      `mapstructure:"page_size"`
	// MaxPages caps pages per query; zero means no cap.
	MaxPages int `mapstructure:"max_pages"`
	// Window is the deepest offset the catalog serves for one query.
	Window int `mapstructure:"window"`
}

// Page is one fetched (or skipped) catalog page plus the cursor that
// follows it.
type Page struct {
	crawler.CatalogPage
	Next crawler.Cursor
}

// Checkpointer persists the cursor between runs.
type Checkpointer interface {
	Load() (checkpoint.State, error)
	Save(cursor crawler.Cursor) error
	MarkDone(cursor crawler.Cursor) error
}

// Resolver feeds the identity writer and the work queue.
type Resolver struct {
	catalog    crawler.CatalogSource
	scope      Scope
	identities crawler.Submitter[crawler.IdentityRecord]
	queue      crawler.Enqueuer
	checkpoint Checkpointer
	session    *session.Session
	retry      *crawler.RetryPolicy
	logger     *zap.Logger
}

// New constructs a Resolver.
func New(
	catalog crawler.CatalogSource,
	scope Scope,
	identities crawler.Submitter[crawler.IdentityRecord],
	queue crawler.Enqueuer,
	cp Checkpointer,
	sess *session.Session,
	retry crawler.RetryConfig,
	logger *zap.Logger,
) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope.PageSize <= 0 || scope.PageSize > 50 {
		scope.PageSize = 50
	}
	if scope.Window <= 0 {
		scope.Window = 1000
	}
	metrics.Init()
	return &Resolver{
		catalog:    catalog,
		scope:      scope,
		identities: identities,
		queue:      queue,
		checkpoint: cp,
		session:    sess,
		retry:      crawler.NewRetryPolicy(retry),
		logger:     logger.Named("resolver"),
	}
}

// Pages lazily fetches catalog pages starting at from. A page that still
// fails after retries is yielded with its error and an empty record list;
// the sequence then moves on to the next offset.
func (r *Resolver) Pages(ctx context.Context, from crawler.Cursor) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		size := r.scope.PageSize
		for qi := from.QueryIndex; qi < len(r.scope.Queries); qi++ {
			query := r.scope.Queries[qi]
			offset := 0
			if qi == from.QueryIndex {
				offset = from.Offset
			}
			for {
				if err := ctx.Err(); err != nil {
					yield(Page{CatalogPage: crawler.CatalogPage{Query: query, Offset: offset}}, err)
					return
				}
				var got crawler.CatalogPage
				_, err := r.retry.Do(ctx, func(ctx context.Context) error {
					p, err := r.catalog.SearchPage(ctx, query, offset, size)
					if err != nil {
						return err
					}
					got = p
					return nil
				})
				got.Query, got.Offset = query, offset

				next := crawler.Cursor{QueryIndex: qi, Offset: offset + size}
				last := next.Offset >= r.scope.Window ||
					(r.scope.MaxPages > 0 && next.Offset/size >= r.scope.MaxPages)
				if err == nil && (!got.HasNext || (got.Total > 0 && next.Offset >= got.Total)) {
					last = true
				}
				if err != nil {
					got.Records = nil
				}
				if last {
					next = crawler.Cursor{QueryIndex: qi + 1}
				}
				if !yield(Page{CatalogPage: got, Next: next}, err) {
					return
				}
				if last {
					break
				}
				offset = next.Offset
			}
		}
	}
}

// Run walks the scope from the saved checkpoint. It closes the queue's
// input when it returns. Only a catalog auth or quota failure, a checkpoint
// that cannot be read, or a refused identity submit is returned as an error.
func (r *Resolver) Run(ctx context.Context) error {
	defer r.queue.CloseInput()

	st, err := r.checkpoint.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if st.Done {
		r.logger.Info("catalog scope already resolved; nothing to page")
		return nil
	}
	r.logger.Info("resolving catalog",
		zap.Int("queries", len(r.scope.Queries)),
		zap.Int("query_index", st.Cursor.QueryIndex),
		zap.Int("offset", st.Cursor.Offset),
	)

	cursor := st.Cursor
	for page, err := range r.Pages(ctx, st.Cursor) {
		if ctx.Err() != nil {
			r.logger.Info("resolver interrupted", zap.Int("query_index", cursor.QueryIndex), zap.Int("offset", cursor.Offset))
			return nil
		}
		switch {
		case errors.Is(err, crawler.ErrAuthOrQuota):
			fatal := fmt.Errorf("catalog rejected credentials at %q offset %d: %w", page.Query, page.Offset, err)
			r.session.Fail(fatal)
			return fatal
		case err != nil:
			r.session.RecordPageGap(page.Query, page.Offset, err)
			metrics.ObservePageGap()
			r.logger.Warn("skipping catalog page",
				zap.String("query", page.Query),
				zap.Int("offset", page.Offset),
				zap.Error(err),
			)
		default:
			if err := r.emit(ctx, page.CatalogPage); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		cursor = page.Next
		if err := r.checkpoint.Save(cursor); err != nil {
			r.logger.Warn("checkpoint save failed", zap.Error(err))
		}
	}
	if err := r.checkpoint.MarkDone(cursor); err != nil {
		r.logger.Warn("checkpoint save failed", zap.Error(err))
	}
	r.logger.Info("catalog scope resolved")
	return nil
}

// emit writes every identity on the page, then enqueues the tracks.
func (r *Resolver) emit(ctx context.Context, page crawler.CatalogPage) error {
	acks := make([]<-chan error, 0, len(page.Records))
	for _, rec := range page.Records {
		ack, err := r.identities.Submit(ctx, rec)
		if err != nil {
			return fmt.Errorf("submit identity %s: %w", rec.TrackID, err)
		}
		acks = append(acks, ack)
	}
	for i, ack := range acks {
		if err := <-ack; err != nil {
			r.logger.Error("identity record dead-lettered",
				zap.String("track_id", string(page.Records[i].TrackID)),
				zap.Error(err),
			)
		}
	}
	for _, rec := range page.Records {
		added, err := r.queue.Enqueue(ctx, rec.TrackID, rec.Lookup())
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", rec.TrackID, err)
		}
		if r.session.RecordIdentity(rec.TrackID) {
			metrics.ObserveIdentity()
		}
		if !added {
			r.logger.Debug("track already queued or harvested", zap.String("track_id", string(rec.TrackID)))
		}
	}
	r.logger.Debug("catalog page resolved",
		zap.String("query", page.Query),
		zap.Int("offset", page.Offset),
		zap.Int("records", len(page.Records)),
	)
	return nil
}
