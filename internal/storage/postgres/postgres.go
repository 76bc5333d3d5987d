// Package postgres stores extracted records in Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvester/internal/core/extraction"
)

const schema = `
CREATE TABLE IF NOT EXISTS extracted_records (
	source_id     TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL,
	content       TEXT NOT NULL,
	fields        JSONB NOT NULL DEFAULT '{}'::jsonb,
	fetched_at    TIMESTAMPTZ NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_id, item_id)
)`

type Sink struct {
	pool *pgxpool.Pool
}

// Open connects and applies the schema. viaBouncer switches to the simple
// protocol, which transaction-mode poolers require.
func Open(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	cfg.ConnConfig.RuntimeParams["application_name"] = "harvester"
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Save upserts rec. xmax is zero only on a row this statement inserted.
func (s *Sink) Save(ctx context.Context, rec extraction.DetailRecord) (bool, error) {
	fields := []byte("{}")
	if len(rec.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(rec.Fields); err != nil {
			return false, fmt.Errorf("encode fields: %w", err)
		}
	}
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO extracted_records (source_id, item_id, url, title, content, fields, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (source_id, item_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			fields = EXCLUDED.fields,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
		RETURNING (xmax = 0)`,
		rec.SourceID, rec.ItemID, rec.URL, rec.Title, rec.Content, string(fields), rec.FetchedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert record: %w", err)
	}
	return inserted, nil
}

func (s *Sink) Get(ctx context.Context, sourceID, itemID string) (extraction.DetailRecord, error) {
	var rec extraction.DetailRecord
	err := s.pool.QueryRow(ctx, `
		SELECT source_id, item_id, url, title, content, fields, fetched_at
		FROM extracted_records WHERE source_id = $1 AND item_id = $2`,
		sourceID, itemID,
	).Scan(&rec.SourceID, &rec.ItemID, &rec.URL, &rec.Title, &rec.Content, &rec.Fields, &rec.FetchedAt)
	if err == pgx.ErrNoRows {
		return rec, fmt.Errorf("record %s/%s not found", sourceID, itemID)
	}
	if err != nil {
		return rec, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (s *Sink) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}
