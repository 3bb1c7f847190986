package graph

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/stagegraph/graph/store"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestComputeKey_Deterministic(t *testing.T) {
	inputs := func() map[string]any {
		m := make(map[string]any)
		for _, k := range []string{"z", "a", "m", "b", "q"} {
			m[k] = map[string]any{"n": len(k), "list": []any{k, 1.5}}
		}
		return m
	}

	first := ComputeKey("s", "1", inputs())
	if !hexKey.MatchString(first) {
		t.Fatalf("key %q is not 16 lowercase hex characters", first)
	}
	for i := 0; i < 20; i++ {
		if got := ComputeKey("s", "1", inputs()); got != first {
			t.Fatalf("run %d: key %s differs from %s", i, got, first)
		}
	}
}

func TestComputeKey_Equivalence(t *testing.T) {
	base := ComputeKey("s", "1", map[string]any{"x": 10, "y": "text"})

	tests := []struct {
		name   string
		stage  string
		ver    string
		inputs map[string]any
		same   bool
	}{
		{"int and float hash by value", "s", "1", map[string]any{"x": 10.0, "y": "text"}, true},
		{"int64 hashes by value", "s", "1", map[string]any{"x": int64(10), "y": "text"}, true},
		{"different value", "s", "1", map[string]any{"x": 11, "y": "text"}, false},
		{"extra input", "s", "1", map[string]any{"x": 10, "y": "text", "z": nil}, false},
		{"different version", "s", "2", map[string]any{"x": 10, "y": "text"}, false},
		{"different stage", "t", "1", map[string]any{"x": 10, "y": "text"}, false},
		{"string instead of number", "s", "1", map[string]any{"x": "10", "y": "text"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeKey(tt.stage, tt.ver, tt.inputs)
			if (got == base) != tt.same {
				t.Errorf("key %s vs base %s: same = %v, want %v", got, base, got == base, tt.same)
			}
		})
	}
}

func TestComputeKey_LogicHash(t *testing.T) {
	in := map[string]any{"x": 1}
	plain := ComputeKey("s", "1", in)
	if got := computeKey("s", "1", "", in); got != plain {
		t.Errorf("empty logic hash changed the key: %s vs %s", got, plain)
	}
	withLogic := computeKey("s", "1", "abc123", in)
	if withLogic == plain {
		t.Error("logic hash did not change the key")
	}
	if computeKey("s", "1", "def456", in) == withLogic {
		t.Error("different logic hashes produced the same key")
	}

	c := NewCacheManager(store.NewMemStore())
	if got := c.Key(&Stage{Name: "s", Version: "1", LogicHash: "abc123"}, in); got != withLogic {
		t.Errorf("CacheManager.Key = %s, want %s", got, withLogic)
	}
}

func TestComputeKey_UnencodableValues(t *testing.T) {
	// JSON cannot encode bool map keys; they hash by their text form.
	a := ComputeKey("s", "1", map[string]any{"m": map[bool]int{true: 1}})
	b := ComputeKey("s", "1", map[string]any{"m": map[string]any{"true": 1}})
	if a != b {
		t.Errorf("map[bool]int key %s != map[string]any key %s", a, b)
	}

	ch := make(chan int)
	k1 := ComputeKey("s", "1", map[string]any{"c": ch, "x": 1})
	k2 := ComputeKey("s", "1", map[string]any{"c": ch, "x": 1})
	if k1 != k2 || !hexKey.MatchString(k1) {
		t.Errorf("unencodable input gave unstable key: %s, %s", k1, k2)
	}
}

type handle struct {
	Name    string
	Limit   int `json:"limit"`
	Skip    int `json:"-"`
	OnDone  func()
	Updates chan int
	Next    *handle
	secret  *int
}

func TestComputeKey_StructsWithFuncsAndChannels(t *testing.T) {
	n1, n2 := 1, 2
	newHandle := func(limit int, secret *int) handle {
		return handle{
			Name:    "h",
			Limit:   limit,
			OnDone:  func() {},
			Updates: make(chan int),
			Next:    &handle{Name: "tail", Updates: make(chan int)},
			secret:  secret,
		}
	}
	key := func(h handle) string {
		return ComputeKey("s", "1", map[string]any{"h": h, "p": &h})
	}

	base := key(newHandle(5, &n1))
	if !hexKey.MatchString(base) {
		t.Fatalf("key %q is not hex", base)
	}
	tests := []struct {
		name string
		h    handle
		same bool
	}{
		{"fresh funcs, channels and pointers", newHandle(5, &n2), true},
		{"ignored field", func() handle { h := newHandle(5, &n1); h.Skip = 9; return h }(), true},
		{"exported field", newHandle(6, &n1), false},
		{"nested field", func() handle { h := newHandle(5, &n1); h.Next.Name = "other"; return h }(), false},
		{"nil func", func() handle { h := newHandle(5, &n1); h.OnDone = nil; return h }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := key(tt.h); (got == base) != tt.same {
				t.Errorf("key %s vs base %s: same = %v, want %v", got, base, got == base, tt.same)
			}
		})
	}

	type other handle
	if ComputeKey("s", "1", map[string]any{"h": other(newHandle(5, &n1))}) == ComputeKey("s", "1", map[string]any{"h": newHandle(5, &n1)}) {
		t.Error("different struct types with the same fields share a key")
	}
}

func TestOutputHash(t *testing.T) {
	a := OutputHash(map[string]any{"sum": 50.0, "parts": []any{20.0, 30.0}})
	b := OutputHash(map[string]any{"parts": []any{20.0, 30.0}, "sum": 50})
	if a != b {
		t.Errorf("equal outputs hashed differently: %s vs %s", a, b)
	}
	if OutputHash(map[string]any{"parts": []any{30.0, 20.0}, "sum": 50}) == a {
		t.Error("list order should change the output hash")
	}
}

// faultyStore fails the operations it has errors for.
type faultyStore struct {
	inner  store.Store
	getErr error
	putErr error
}

func (f *faultyStore) Get(ctx context.Context, key string) (store.Entry, error) {
	if f.getErr != nil {
		return store.Entry{}, f.getErr
	}
	return f.inner.Get(ctx, key)
}

func (f *faultyStore) Put(ctx context.Context, e store.Entry) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.inner.Put(ctx, e)
}

func (f *faultyStore) Close() error { return nil }

func TestCacheManager(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	c := NewCacheManager(mem)
	key := ComputeKey("s", "1", map[string]any{"x": 1})

	if _, hit, err := c.Get(ctx, key); hit || err != nil {
		t.Fatalf("empty store: hit=%v err=%v, want miss", hit, err)
	}

	data := map[string]any{"value": int64(2), "list": []any{"a"}}
	if err := c.Put(ctx, "s", key, data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, hit, err := c.Get(ctx, key)
	if err != nil || !hit {
		t.Fatalf("Get after Put: hit=%v err=%v", hit, err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("cached data mismatch (-want +got):\n%s", diff)
	}

	broken := NewCacheManager(&faultyStore{inner: mem, getErr: errors.New("disk on fire")})
	if _, hit, err := broken.Get(ctx, key); hit || err == nil {
		t.Errorf("faulty Get: hit=%v err=%v, want error", hit, err)
	}
}
