package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/Aurora implementation of Store.
//
// Use it when several hosts run the same pipelines and should share cached
// outputs. Each entry is one row; a Put for an existing key replaces the row
// in a single statement, so readers never see a partial entry.
//
// Connection string format:
//
//	user:password@tcp(host:port)/dbname
//
// Security: avoid hardcoding credentials, load the DSN from the environment.
//
//	dsn := os.Getenv("STAGEGRAPH_MYSQL_DSN")
//	cache, err := store.NewMySQLStore(dsn)
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL, verifies the connection and creates the
// cache table if it does not exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	const cacheTable = `
		CREATE TABLE IF NOT EXISTS stage_cache (
			cache_key VARCHAR(128) NOT NULL PRIMARY KEY,
			stage VARCHAR(255) NOT NULL,
			data LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_stage (stage)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, cacheTable); err != nil {
		return fmt.Errorf("failed to create stage_cache table: %w", err)
	}
	return nil
}

// Get loads the entry for key.
func (m *MySQLStore) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}

	var (
		stage     string
		data      string
		createdAt int64
	)
	err := m.db.QueryRowContext(ctx,
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

// Put inserts entry or replaces the row for an existing key.
func (m *MySQLStore) Put(ctx context.Context, entry Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	data, createdAt, err := encodeRow(entry)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO stage_cache (cache_key, stage, data, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			stage = VALUES(stage),
			data = VALUES(data),
			created_at = VALUES(created_at)
	`
	if _, err := m.db.ExecContext(ctx, query, entry.Key, entry.Stage, data, createdAt); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.db.PingContext(ctx)
}

// Close closes the connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
