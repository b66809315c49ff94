// Package postgres provides the Postgres-backed identity and feature store.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/storage/rowcodec"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements crawler.Store.
type Store struct {
	pool pool
}

const upsertIdentitySQL = `
INSERT INTO identity_records (
	track_id,
	isrc,
	title,
	artists,
	release_date,
	catalog_id,
	resolved_at
) VALUES (
	$1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7
)
ON CONFLICT (track_id) DO UPDATE SET
	isrc = COALESCE(EXCLUDED.isrc, identity_records.isrc),
	title = EXCLUDED.title,
	artists = EXCLUDED.artists,
	release_date = COALESCE(EXCLUDED.release_date, identity_records.release_date),
	catalog_id = EXCLUDED.catalog_id,
	resolved_at = EXCLUDED.resolved_at`

const upsertFeatureSQL = `
INSERT INTO feature_records (
	track_id,
	mbid,
	status,
	attempt,
	missing,
	high_level,
	high_level_labels,
	low_level,
	tags,
	harvested_at
) VALUES (
	$1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (track_id) DO UPDATE SET
	mbid = EXCLUDED.mbid,
	status = EXCLUDED.status,
	attempt = EXCLUDED.attempt,
	missing = EXCLUDED.missing,
	high_level = EXCLUDED.high_level,
	high_level_labels = EXCLUDED.high_level_labels,
	low_level = EXCLUDED.low_level,
	tags = EXCLUDED.tags,
	harvested_at = EXCLUDED.harvested_at`

const harvestedSQL = `SELECT track_id FROM feature_records ORDER BY track_id`

const unharvestedSQL = `
SELECT i.track_id, COALESCE(i.isrc, ''), i.title, i.artists, COALESCE(i.release_date, ''), i.catalog_id, i.resolved_at
FROM identity_records i
LEFT JOIN feature_records f ON f.track_id = i.track_id
WHERE f.track_id IS NULL
ORDER BY i.resolved_at, i.track_id`

// New connects a pool using cfg and creates the tables if they are missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for the postgres backend")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates both tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertIdentity inserts or refreshes one identity row. A known ISRC is never
// replaced by an empty one.
func (s *Store) UpsertIdentity(ctx context.Context, record crawler.IdentityRecord) error {
	if record.TrackID == "" {
		return fmt.Errorf("identity record without track id: %w", crawler.ErrPermanent)
	}
	artistsJSON, err := rowcodec.EncodeArtists(record.Artists)
	if err != nil {
		return err
	}
	args := []any{
		string(record.TrackID),
		record.ISRC,
		record.Title,
		artistsJSON,
		record.ReleaseDate,
		record.CatalogID,
		record.ResolvedAt,
	}
	return s.inTx(ctx, "upsert identity "+string(record.TrackID), upsertIdentitySQL, args)
}

// UpsertFeature inserts or replaces one feature row.
func (s *Store) UpsertFeature(ctx context.Context, record crawler.FeatureRecord) error {
	if record.TrackID == "" {
		return fmt.Errorf("feature record without track id: %w", crawler.ErrPermanent)
	}
	cols, err := rowcodec.EncodeFeature(record)
	if err != nil {
		return err
	}
	args := []any{
		string(record.TrackID),
		record.MBID,
		string(record.Status),
		record.Attempt,
		cols.Missing,
		cols.HighLevel,
		cols.HighLevelLabels,
		cols.LowLevel,
		cols.Tags,
		record.HarvestedAt,
	}
	return s.inTx(ctx, "upsert feature "+string(record.TrackID), upsertFeatureSQL, args)
}

func (s *Store) inTx(ctx context.Context, what, query string, args []any) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w: %w", what, crawler.ErrStorage, err)
	}
	return nil
}

// HarvestedTrackIDs implements crawler.Store.
func (s *Store) HarvestedTrackIDs(ctx context.Context) ([]crawler.TrackID, error) {
	rows, err := s.pool.Query(ctx, harvestedSQL)
	if err != nil {
		return nil, fmt.Errorf("query harvested ids: %w: %w", crawler.ErrStorage, err)
	}
	defer rows.Close()
	var out []crawler.TrackID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan harvested id: %w", err)
		}
		out = append(out, crawler.TrackID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate harvested ids: %w: %w", crawler.ErrStorage, err)
	}
	return out, nil
}

// UnharvestedIdentities implements crawler.Store.
func (s *Store) UnharvestedIdentities(ctx context.Context) ([]crawler.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, unharvestedSQL)
	if err != nil {
		return nil, fmt.Errorf("query unharvested identities: %w: %w", crawler.ErrStorage, err)
	}
	defer rows.Close()
	var out []crawler.IdentityRecord
	for rows.Next() {
		var (
			rec     crawler.IdentityRecord
			id      string
			artists []byte
		)
		if err := rows.Scan(&id, &rec.ISRC, &rec.Title, &artists, &rec.ReleaseDate, &rec.CatalogID, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		rec.TrackID = crawler.TrackID(id)
		if rec.Artists, err = rowcodec.DecodeArtists(artists); err != nil {
			return nil, fmt.Errorf("identity %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w: %w", crawler.ErrStorage, err)
	}
	return out, nil
}
