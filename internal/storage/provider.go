// Package storage selects the backing store for identity and feature rows.
// This abstraction keeps the pipeline independent of the database in use.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/storage/memory"
	"github.com/JakeFAU/track-harvester/internal/storage/postgres"
	"github.com/JakeFAU/track-harvester/internal/storage/sqlite"
)

// Backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"max_conns"`
}

// Open returns the configured store with its schema in place.
func Open(ctx context.Context, cfg Config) (crawler.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSQLite, "":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: int32(min(cfg.MaxConns, 1<<16)), //nolint:gosec // bounded above
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
