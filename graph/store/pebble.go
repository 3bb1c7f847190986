package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "cache/"

// PebbleStore keeps cache entries in an embedded Pebble database.
//
// Each entry is a single key holding the JSON document, so a Put is one
// atomic Set and readers never see partial entries. Writes are synced.
type PebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// NewPebbleStore opens (creating if needed) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Get loads the entry for key.
func (p *PebbleStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Entry{}, ErrClosed
	}

	v, closer, err := p.db.Get([]byte(pebbleKeyPrefix + key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to read cache entry: %w", err)
	}
	defer closer.Close()

	// v is only valid until closer.Close.
	doc := make([]byte, len(v))
	copy(doc, v)
	return decodeEntry(key, doc)
}

// Put stores entry under its key.
func (p *PebbleStore) Put(ctx context.Context, entry Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.db.Set([]byte(pebbleKeyPrefix+entry.Key), doc, &pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.db.Flush(); err != nil {
		_ = p.db.Close()
		return err
	}
	return p.db.Close()
}
