package graph

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dshills/stagegraph/graph/jsonval"
)

// normalizeOutput converts a runner's return value into the JSON-shaped
// mapping stored in results and cache entries.
//
// Values round-trip through JSON, so the stored data only contains
// map[string]any, []any, string, bool, nil and numbers decoded by package
// jsonval (int64 for integers, float64 otherwise). A freshly computed
// result therefore compares equal to the same result read back from any
// cache store. Non-mapping values, nil included, are wrapped as
// {"result": v}.
func normalizeOutput(out any) (map[string]any, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputNotSerializable, err)
	}
	decoded, err := jsonval.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputNotSerializable, err)
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": decoded}, nil
}

// copyValue deep-copies JSON-shaped data. Other values are returned as is.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// deepCopy copies arbitrary Go values, keeping their types. Maps, slices,
// arrays, pointers and the exported fields of structs are copied
// recursively; unexported struct fields are copied shallowly. Shared and
// cyclic references are preserved.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, int, int64, float64:
		return v
	}
	return copyReflect(reflect.ValueOf(v), make(map[visit]reflect.Value)).Interface()
}

type visit struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

func copyReflect(v reflect.Value, seen map[visit]reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		key := visit{v.Type(), v.Pointer(), 0}
		if c, ok := seen[key]; ok {
			return c
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		seen[key] = out
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyReflect(iter.Value(), seen))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		key := visit{v.Type(), v.Pointer(), v.Len()}
		if c, ok := seen[key]; ok {
			return c
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		seen[key] = out
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyReflect(v.Index(i), seen))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyReflect(v.Index(i), seen))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := visit{v.Type(), v.Pointer(), 0}
		if c, ok := seen[key]; ok {
			return c
		}
		out := reflect.New(v.Type().Elem())
		seen[key] = out
		out.Elem().Set(copyReflect(v.Elem(), seen))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(copyReflect(v.Elem(), seen))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				out.Field(i).Set(copyReflect(v.Field(i), seen))
			}
		}
		return out
	}
	return v
}
