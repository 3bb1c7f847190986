package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dshills/stagegraph/graph/store"
)

// keyHexLen is the number of hex characters kept from a sha256 digest.
const keyHexLen = 16

// ComputeKey derives the cache key for a stage invocation.
//
// The resolved inputs are canonicalized (map keys sorted at every depth,
// values JSON-encoded, unencodable values replaced by a description of their
// type and exported fields) and hashed. The key is the hash of the canonical {inputs, stage, version}
// document. Both digests are sha256 truncated to 16 hex characters.
//
// Value-equal inputs yield equal keys regardless of map insertion order,
// and numbers hash by value: int 10 and float64 10 produce the same key.
func ComputeKey(name, version string, inputs map[string]any) string {
	return computeKey(name, version, "", inputs)
}

func computeKey(name, version, logicHash string, inputs map[string]any) string {
	doc := map[string]any{
		"inputs":  hashValue(inputs),
		"stage":   name,
		"version": version,
	}
	if logicHash != "" {
		doc["logic"] = logicHash
	}
	return hashValue(doc)
}

// OutputHash fingerprints output data the same way cache keys are derived.
func OutputHash(data map[string]any) string {
	return hashValue(data)
}

func hashValue(v any) string {
	sum := sha256.Sum256(canonicalJSON(v))
	return hex.EncodeToString(sum[:])[:keyHexLen]
}

// canonicalJSON encodes v deterministically. encoding/json already sorts
// the keys of string-keyed maps; values it cannot encode are replaced at the
// smallest enclosing level by a description that never includes addresses.
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(canonicalValue(v))
	if err != nil {
		return []byte(fmt.Sprintf("%q", reflect.TypeOf(v).String()))
	}
	return b
}

// maxCanonicalDepth bounds the walk over unencodable values, which may be
// cyclic.
const maxCanonicalDepth = 32

func canonicalValue(v any) any {
	return canonicalAt(v, 0)
}

// canonicalAt returns v when encoding/json handles it. Otherwise containers
// and pointers are walked and structs become their exported fields plus a
// "$type" entry. Non-nil funcs, channels and unsafe pointers become their
// type name in angle brackets.
func canonicalAt(v any, depth int) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	rv := reflect.ValueOf(v)
	if depth >= maxCanonicalDepth {
		return "<" + rv.Type().String() + ">"
	}
	depth++
	switch rv.Kind() {
	case reflect.Map:
		// Non-string keys are rendered as text so the map sorts.
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[keyText(iter.Key())] = canonicalAt(iter.Value().Interface(), depth)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = canonicalAt(rv.Index(i).Interface(), depth)
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return canonicalAt(rv.Elem().Interface(), depth)
	case reflect.Struct:
		out := map[string]any{"$type": rv.Type().String()}
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag := f.Tag.Get("json"); tag != "" {
				if tag == "-" {
					continue
				}
				if n, _, _ := strings.Cut(tag, ","); n != "" {
					name = n
				}
			}
			out[name] = canonicalAt(rv.Field(i).Interface(), depth)
		}
		return out
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return nil
		}
		return "<" + rv.Type().String() + ">"
	}
	return fmt.Sprintf("%v", v)
}

func keyText(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return string(canonicalJSON(k.Interface()))
}

// CacheManager derives keys and reads and writes entries in a store.
//
// Store failures are returned to the caller, which treats a failed read as a
// miss and a failed write as a warning. A missing entry is not an error.
type CacheManager struct {
	store store.Store
	now   func() time.Time
}

// NewCacheManager wraps st.
func NewCacheManager(st store.Store) *CacheManager {
	return &CacheManager{store: st, now: time.Now}
}

// Key returns the cache key for stage with the given resolved inputs. The
// stage's LogicHash, when set, is part of the key.
func (c *CacheManager) Key(stage *Stage, inputs map[string]any) string {
	return computeKey(stage.Name, stage.Version, stage.LogicHash, inputs)
}

// Get returns the cached data for key. hit is false on a miss. err is set
// only for store failures, never for a missing entry.
func (c *CacheManager) Get(ctx context.Context, key string) (data map[string]any, hit bool, err error) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Data, true, nil
}

// Put stores data for stage under key.
func (c *CacheManager) Put(ctx context.Context, stage, key string, data map[string]any) error {
	return c.store.Put(ctx, store.Entry{
		Key:       key,
		Stage:     stage,
		Data:      data,
		CreatedAt: c.now().UTC(),
	})
}
