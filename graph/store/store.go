// Package store provides cache backends for stage outputs.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/stagegraph/graph/jsonval"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for keys that are not lowercase hex strings.
var ErrInvalidKey = errors.New("invalid cache key")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Entry is a cached stage output.
type Entry struct {
	// Key is the content hash the entry is stored under.
	Key string `json:"-"`

	// Stage names the stage that produced the data. Informational.
	Stage string `json:"stage,omitempty"`

	// Data is the stage's output mapping.
	Data map[string]any `json:"data"`

	// CreatedAt is when the entry was first written.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists cache entries keyed by content hash.
//
// Entries are independent: there are no multi-key operations. A Put for an
// existing key replaces the entry atomically, so a concurrent Get observes
// either the old or the new entry, never a partial one.
//
// Implementations:
//   - MemStore: in-process map, for tests and single runs
//   - FileStore: one JSON document per key in a directory (default)
//   - SQLiteStore: single-file database
//   - MySQLStore: shared database for several hosts
//   - PebbleStore: embedded LSM key-value store
//   - S3Store: object storage through the MinIO client
//
// All implementations are safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put stores entry under entry.Key.
	Put(ctx context.Context, entry Entry) error

	// Close releases resources held by the store.
	Close() error
}

// ValidateKey checks that key is a non-empty lowercase hex string, which
// keeps keys safe to use as file and object names.
func ValidateKey(key string) error {
	if key == "" || len(key) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// encodeEntry serializes an entry as an indented, human-inspectable JSON
// document: {"created_at": ..., "data": {...}, "stage": ...}.
func encodeEntry(e Entry) ([]byte, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return append(b, '\n'), nil
}

// decodeEntry parses a document written by encodeEntry. Documents holding
// only {"data": ...} are accepted as well.
func decodeEntry(key string, b []byte) (Entry, error) {
	var e Entry
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	if e.Data == nil {
		return Entry{}, fmt.Errorf("cache entry %s has no data", key)
	}
	jsonval.ConvertMap(e.Data)
	e.Key = key
	return e, nil
}

// cloneEntry deep-copies an entry's data through JSON so callers never share
// maps with the store.
func cloneEntry(e Entry) (Entry, error) {
	b, err := encodeEntry(e)
	if err != nil {
		return Entry{}, err
	}
	out, err := decodeEntry(e.Key, b)
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// encodeRow returns the data column and creation time used by the SQL stores.
func encodeRow(e Entry) (string, int64, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal cache data: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return string(b), created.UnixNano(), nil
}

func decodeRow(key, stage, data string, createdAt int64) (Entry, error) {
	var m map[string]any
	if err := jsonval.Unmarshal([]byte(data), &m); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal cache data %s: %w", key, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	jsonval.ConvertMap(m)
	return Entry{Key: key, Stage: stage, Data: m, CreatedAt: time.Unix(0, createdAt).UTC()}, nil
}
