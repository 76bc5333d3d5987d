// Package sqlite stores extracted records in a local SQLite file. It suits
// single-machine runs of the CLI; the server uses postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"harvester/internal/core/extraction"
)

const schema = `
CREATE TABLE IF NOT EXISTS extracted_records (
	source_id     TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL,
	content       TEXT NOT NULL,
	fields        TEXT NOT NULL DEFAULT '{}',
	fetched_at    TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (source_id, item_id)
);`

var ErrNotFound = errors.New("record not found")

type Sink struct {
	db *sql.DB
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, path string) (*Sink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; concurrent item saves queue on the pool instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Sink{db: db}, nil
}

// Save upserts rec keyed by (source_id, item_id). isNew is true only for the
// first insert of the pair.
func (s *Sink) Save(ctx context.Context, rec extraction.DetailRecord) (bool, error) {
	fields, err := json.Marshal(nonNil(rec.Fields))
	if err != nil {
		return false, fmt.Errorf("encode fields: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fetched := rec.FetchedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO extracted_records (source_id, item_id, url, title, content, fields, fetched_at, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, item_id) DO NOTHING`,
		rec.SourceID, rec.ItemID, rec.URL, rec.Title, rec.Content, string(fields), fetched, now, now)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE extracted_records
			SET url = ?, title = ?, content = ?, fields = ?, fetched_at = ?, updated_at = ?
			WHERE source_id = ? AND item_id = ?`,
			rec.URL, rec.Title, rec.Content, string(fields), fetched, now, rec.SourceID, rec.ItemID); err != nil {
			return false, fmt.Errorf("update record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return inserted == 1, nil
}

// Get returns one stored record.
func (s *Sink) Get(ctx context.Context, sourceID, itemID string) (extraction.DetailRecord, error) {
	var (
		rec     extraction.DetailRecord
		fields  string
		fetched string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, item_id, url, title, content, fields, fetched_at
		FROM extracted_records WHERE source_id = ? AND item_id = ?`,
		sourceID, itemID,
	).Scan(&rec.SourceID, &rec.ItemID, &rec.URL, &rec.Title, &rec.Content, &fields, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return rec, fmt.Errorf("decode fields: %w", err)
	}
	if len(rec.Fields) == 0 {
		rec.Fields = nil
	}
	rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetched)
	return rec, nil
}

// Count returns how many records are stored for sourceID.
func (s *Sink) Count(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_records WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

func (s *Sink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Sink) Close() error { return s.db.Close() }

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
