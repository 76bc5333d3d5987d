// Package storage selects the persistence sink named by configuration.
package storage

import (
	"context"
	"fmt"
	"strings"

	"harvester/internal/config"
	"harvester/internal/core/extraction"
	"harvester/internal/storage/postgres"
	"harvester/internal/storage/sqlite"
)

// Sink is a PersistenceSink the process owns and health-checks.
type Sink interface {
	extraction.PersistenceSink
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Sink = (*sqlite.Sink)(nil)
	_ Sink = (*postgres.Sink)(nil)
)

// Open returns nil when STORAGE_DRIVER is "none".
func Open(ctx context.Context, cfg config.Config) (Sink, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("STORAGE_DRIVER=postgres requires DATABASE_URL")
		}
		s, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBViaBouncer)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}
