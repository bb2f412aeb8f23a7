// Package chunkcache persists fetched pagination chunks in a local SQLite
// database so re-paging over a result set does not re-execute the query.
// Losing the cache only forces re-execution, never loses source data.
package chunkcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("chunkcache: entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS result_chunk (
    id          TEXT PRIMARY KEY,
    query_hash  TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    rows_json   TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_result_chunk_query_hash ON result_chunk (query_hash);
CREATE INDEX IF NOT EXISTS idx_result_chunk_created_at ON result_chunk (created_at);
`

type Store struct {
	db        *sql.DB
	retention time.Duration
	clock     func() time.Time
}

// Open opens (or creates) the cache database at path and bootstraps the
// schema. An empty path opens an in-memory database, used by the test
// profile.
func Open(ctx context.Context, path string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk cache db: %w", err)
	}
	// single connection: the cache is single-writer and an in-memory
	// database exists per connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap chunk cache schema: %w", err)
	}
	return &Store{db: db, retention: retention, clock: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores one chunk under {queryHash}_{chunkIndex}, overwriting any
// previous entry for the same key, then sweeps entries older than the
// retention window. The sweep is advisory: its failure never fails the Put.
func (s *Store) Put(ctx context.Context, queryHash string, chunkIndex int, rows [][]any) error {
	if queryHash == "" {
		return fmt.Errorf("query hash is required")
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode chunk rows: %w", err)
	}

	id := entryID(queryHash, chunkIndex)
	query := `
INSERT INTO result_chunk (id, query_hash, chunk_index, rows_json, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET rows_json = excluded.rows_json, created_at = excluded.created_at`
	if _, err := s.db.ExecContext(ctx, query, id, queryHash, chunkIndex, string(payload), s.clock().UnixMilli()); err != nil {
		return fmt.Errorf("put chunk %s: %w", id, err)
	}

	_, _ = s.EvictExpired(ctx)
	return nil
}

func (s *Store) Get(ctx context.Context, queryHash string, chunkIndex int) ([][]any, error) {
	var payload string
	query := `
SELECT rows_json
FROM result_chunk
WHERE id = ?`
	if err := s.db.QueryRowContext(ctx, query, entryID(queryHash, chunkIndex)).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chunk %s: %w", entryID(queryHash, chunkIndex), err)
	}

	var rows [][]any
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", entryID(queryHash, chunkIndex), err)
	}
	return rows, nil
}

// EvictExpired deletes entries older than the retention window using the
// created_at index and returns how many were removed.
func (s *Store) EvictExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `
DELETE FROM result_chunk
WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict expired chunks: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict expired chunks: %w", err)
	}
	return deleted, nil
}

func (s *Store) EntryCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_chunk`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunk entries: %w", err)
	}
	return count, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping chunk cache db: %w", err)
	}
	return nil
}

func entryID(queryHash string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", queryHash, chunkIndex)
}
