package graph

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOutcome(t *testing.T) {
	ok := Success(map[string]any{"v": 1.0})
	if !ok.OK() || ok.Err() != nil {
		t.Errorf("Success: OK=%v Err=%v", ok.OK(), ok.Err())
	}
	if !Success(nil).OK() {
		t.Error("Success(nil) should be a success with empty data")
	}

	boom := errors.New("boom")
	failed := Failure(boom)
	if failed.OK() || !errors.Is(failed.Err(), boom) {
		t.Errorf("Failure: OK=%v Err=%v", failed.OK(), failed.Err())
	}
	if data := failed.Data(); data == nil || len(data) != 0 {
		t.Errorf("failed Data = %#v, want empty non-nil map", data)
	}
	if Failure(nil).Err() == nil {
		t.Error("Failure(nil) must still carry an error")
	}

	var zero Outcome
	if zero.OK() || zero.Err() == nil {
		t.Error("zero Outcome should be a failure")
	}
}

func TestOutcome_DataIsCopy(t *testing.T) {
	o := Success(map[string]any{"nested": map[string]any{"k": "v"}})
	o.Data()["nested"].(map[string]any)["k"] = "changed"
	if got := o.Data()["nested"].(map[string]any)["k"]; got != "v" {
		t.Errorf("Data leaked internal map: k = %v", got)
	}
}

func TestResultStore(t *testing.T) {
	s := NewResultStore()
	r := StageResult{StageName: "b", Status: StatusSucceeded, Outcome: Success(map[string]any{"v": 1.0})}
	if err := s.Put(r); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(StageResult{StageName: "b", Status: StatusFailed, Outcome: Failure(errors.New("x"))}); !errors.Is(err, ErrResultExists) {
		t.Fatalf("second Put = %v, want ErrResultExists", err)
	}
	if err := s.Put(StageResult{StageName: "a", Status: StatusCached, Outcome: Success(nil)}); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get("b")
	if !ok || got.Status != StatusSucceeded || !got.Success() {
		t.Errorf("Get(b) = %+v, %v", got, ok)
	}
	if s.Has("c") {
		t.Error("Has(c) = true")
	}
	if diff := cmp.Diff([]string{"a", "b"}, s.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
	if s.Len() != 2 || len(s.All()) != 2 {
		t.Errorf("Len = %d, All = %d", s.Len(), len(s.All()))
	}
}

func TestResultStore_ConcurrentReaders(t *testing.T) {
	s := NewResultStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Get("a")
				_ = s.Names()
			}
		}()
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Put(StageResult{StageName: name, Outcome: Success(nil)}); err != nil {
			t.Error(err)
		}
	}
	wg.Wait()
}

func TestNormalizeOutput(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	tests := []struct {
		name    string
		in      any
		want    map[string]any
		wantErr bool
	}{
		{"map", map[string]any{"n": 1, "s": "x"}, map[string]any{"n": int64(1), "s": "x"}, false},
		{"typed map", map[string]int{"n": 2}, map[string]any{"n": int64(2)}, false},
		{"struct", point{1, 2}, map[string]any{"x": int64(1), "y": int64(2)}, false},
		{"scalar", 42, map[string]any{"result": int64(42)}, false},
		{"list", []int{1, 2}, map[string]any{"result": []any{int64(1), int64(2)}}, false},
		{"integral float", 3.0, map[string]any{"result": int64(3)}, false},
		{"fraction", 2.5, map[string]any{"result": 2.5}, false},
		{"beyond 2^53", map[string]any{"id": int64(1<<53 + 1)}, map[string]any{"id": int64(1<<53 + 1)}, false},
		{"uint64", uint64(1<<63 + 1), map[string]any{"result": uint64(1<<63 + 1)}, false},
		{"nil", nil, map[string]any{"result": nil}, false},
		{"channel", make(chan int), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOutput(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrOutputNotSerializable) {
					t.Fatalf("normalizeOutput = %v, want ErrOutputNotSerializable", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeepCopy(t *testing.T) {
	type inner struct {
		Tags []string
		n    int
	}
	type outer struct {
		Name   string
		Inner  *inner
		Groups map[string][]int
	}
	src := outer{Name: "o", Inner: &inner{Tags: []string{"a"}, n: 1}, Groups: map[string][]int{"k": {1, 2}}}
	got := deepCopy(src).(outer)
	if diff := cmp.Diff(src, got, cmp.AllowUnexported(inner{})); diff != "" {
		t.Fatalf("copy differs (-src +copy):\n%s", diff)
	}
	got.Inner.Tags[0] = "changed"
	got.Groups["k"][0] = 9
	if src.Inner.Tags[0] != "a" || src.Groups["k"][0] != 1 {
		t.Errorf("copy shares memory with the source: %+v %v", src.Inner, src.Groups)
	}

	cyclic := map[string]any{"name": "root"}
	cyclic["self"] = cyclic
	c := deepCopy(cyclic).(map[string]any)
	self := c["self"].(map[string]any)
	self["name"] = "copy"
	if c["name"] != "copy" || cyclic["name"] != "root" {
		t.Errorf("cycle not preserved in copy: copy %v, source %v", c["name"], cyclic["name"])
	}

	for _, v := range []any{nil, 1, "s", 2.5, []any(nil), map[string]any(nil)} {
		if diff := cmp.Diff(v, deepCopy(v)); diff != "" {
			t.Errorf("deepCopy(%#v) mismatch (-want +got):\n%s", v, diff)
		}
	}
}
