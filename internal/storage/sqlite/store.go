// Package sqlite provides the single-file SQLite identity and feature store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/storage/rowcodec"
)

//go:embed schema.sql
var schema string

// Config controls the database file.
type Config struct {
	Path string
	// MaxConns bounds open connections; WAL lets readers run beside the
	// single writer.
	MaxConns int
}

// Store implements crawler.Store.
type Store struct {
	db *sql.DB
}

const upsertIdentitySQL = `
INSERT INTO identity_records (track_id, isrc, title, artists, release_date, catalog_id, resolved_at)
VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?)
ON CONFLICT(track_id) DO UPDATE SET
	isrc = COALESCE(excluded.isrc, identity_records.isrc),
	title = excluded.title,
	artists = excluded.artists,
	release_date = COALESCE(excluded.release_date, identity_records.release_date),
	catalog_id = excluded.catalog_id,
	resolved_at = excluded.resolved_at`

const upsertFeatureSQL = `
INSERT INTO feature_records (track_id, mbid, status, attempt, missing, high_level, high_level_labels, low_level, tags, harvested_at)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(track_id) DO UPDATE SET
	mbid = excluded.mbid,
	status = excluded.status,
	attempt = excluded.attempt,
	missing = excluded.missing,
	high_level = excluded.high_level,
	high_level_labels = excluded.high_level_labels,
	low_level = excluded.low_level,
	tags = excluded.tags,
	harvested_at = excluded.harvested_at`

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store.path is required for the sqlite backend")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// UpsertIdentity inserts or refreshes one identity row. A known ISRC is never
// replaced by an empty one.
func (s *Store) UpsertIdentity(ctx context.Context, record crawler.IdentityRecord) error {
	if record.TrackID == "" {
		return fmt.Errorf("identity record without track id: %w", crawler.ErrPermanent)
	}
	artists, err := rowcodec.EncodeArtists(record.Artists)
	if err != nil {
		return err
	}
	return s.inTx(ctx, "upsert identity "+string(record.TrackID), upsertIdentitySQL,
		string(record.TrackID),
		record.ISRC,
		record.Title,
		string(artists),
		record.ReleaseDate,
		record.CatalogID,
		record.ResolvedAt.UTC(),
	)
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
	return s.inTx(ctx, "upsert feature "+string(record.TrackID), upsertFeatureSQL,
		string(record.TrackID),
		record.MBID,
		string(record.Status),
		record.Attempt,
		text(cols.Missing),
		text(cols.HighLevel),
		text(cols.HighLevelLabels),
		text(cols.LowLevel),
		text(cols.Tags),
		record.HarvestedAt.UTC(),
	)
}

func (s *Store) inTx(ctx context.Context, what, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w: %w", what, crawler.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w: %w", what, crawler.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w: %w", what, crawler.ErrStorage, err)
	}
	return nil
}

// HarvestedTrackIDs implements crawler.Store.
func (s *Store) HarvestedTrackIDs(ctx context.Context) ([]crawler.TrackID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT track_id FROM feature_records ORDER BY track_id`)
	if err != nil {
		return nil, fmt.Errorf("query harvested ids: %w: %w", crawler.ErrStorage, err)
	}
	defer rows.Close() //nolint:errcheck // read-only
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
	rows, err := s.db.QueryContext(ctx, `
SELECT i.track_id, COALESCE(i.isrc, ''), i.title, i.artists, COALESCE(i.release_date, ''), i.catalog_id, i.resolved_at
FROM identity_records i
LEFT JOIN feature_records f ON f.track_id = i.track_id
WHERE f.track_id IS NULL
ORDER BY i.resolved_at, i.track_id`)
	if err != nil {
		return nil, fmt.Errorf("query unharvested identities: %w: %w", crawler.ErrStorage, err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	var out []crawler.IdentityRecord
	for rows.Next() {
		var (
			rec     crawler.IdentityRecord
			id      string
			artists string
		)
		if err := rows.Scan(&id, &rec.ISRC, &rec.Title, &artists, &rec.ReleaseDate, &rec.CatalogID, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		rec.TrackID = crawler.TrackID(id)
		if rec.Artists, err = rowcodec.DecodeArtists([]byte(artists)); err != nil {
			return nil, fmt.Errorf("identity %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w: %w", crawler.ErrStorage, err)
	}
	return out, nil
}

// Feature reads one feature row back. It is used by tools and tests.
func (s *Store) Feature(ctx context.Context, id crawler.TrackID) (crawler.FeatureRecord, error) {
	var (
		rec    = crawler.FeatureRecord{TrackID: id}
		mbid   sql.NullString
		status string
		cols   [5]sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT mbid, status, attempt, missing, high_level, high_level_labels, low_level, tags, harvested_at
FROM feature_records WHERE track_id = ?`, string(id)).Scan(
		&mbid, &status, &rec.Attempt, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &rec.HarvestedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("feature %s: %w", id, crawler.ErrNotFound)
		}
		return rec, fmt.Errorf("read feature %s: %w: %w", id, crawler.ErrStorage, err)
	}
	rec.MBID = mbid.String
	rec.Status = crawler.FeatureStatus(status)
	err = rowcodec.DecodeFeature(rowcodec.FeatureColumns{
		Missing:         []byte(cols[0].String),
		HighLevel:       []byte(cols[1].String),
		HighLevelLabels: []byte(cols[2].String),
		LowLevel:        []byte(cols[3].String),
		Tags:            []byte(cols[4].String),
	}, &rec)
	if err != nil {
		return rec, fmt.Errorf("feature %s: %w", id, err)
	}
	return rec, nil
}

// text turns an encoded column into a nullable TEXT value.
func text(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
