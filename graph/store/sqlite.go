package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// Entries live in a single table in a single-file database. Designed for:
//   - Local runs that want one file instead of a directory of documents
//   - Sharing a cache between runs on one host
//   - Inspecting cached outputs with standard SQL tools
//
// The store uses WAL mode so readers do not block the single writer.
//
// Schema:
//   - stage_cache(cache_key PRIMARY KEY, stage, data JSON text, created_at unix nanos)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path.
//
// The path parameter specifies the database file location:
//   - "./cache.db" - file in current directory
//   - "/tmp/stagegraph.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	cache, err := store.NewSQLiteStore("./out/cache.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const cacheTable = `
		CREATE TABLE IF NOT EXISTS stage_cache (
			cache_key TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, cacheTable); err != nil {
		return fmt.Errorf("failed to create stage_cache table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_stage_cache_stage ON stage_cache(stage)"); err != nil {
		return fmt.Errorf("failed to create stage index: %w", err)
	}
	return nil
}

// Get loads the entry for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}

	var (
		stage     string
		data      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT stage, data, created_at FROM stage_cache WHERE cache_key = ?", key,
	).Scan(&stage, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to query cache entry: %w", err)
	}
	return decodeRow(key, stage, data, createdAt)
}

// Put inserts entry, replacing an existing row for the key in one statement.
func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, createdAt, err := encodeRow(entry)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO stage_cache (cache_key, stage, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			stage = excluded.stage,
			data = excluded.data,
			created_at = excluded.created_at
	`
	if _, err := s.db.ExecContext(ctx, query, entry.Key, entry.Stage, data, createdAt); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }
