package graph

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// MissingField describes a reference whose path did not exist in the
// upstream data.
type MissingField struct {
	Input string
	Ref   string
}

// ResolveInputs resolves every input of stage against results.
//
// Literals pass through unchanged. References look up the upstream result
// and walk the field path through maps, structs (exported field name or json
// tag), pointers and slices (decimal index segments). Values read from
// upstream data are deep-copied.
//
// A reference to a stage with no result is a *ResolutionError wrapping
// ErrMissingDependency. A path that does not exist resolves to nil and is
// reported in the returned MissingField list; with strict set it is a
// *ResolutionError wrapping ErrMissingField instead. A failed upstream
// resolves against empty data, so every path into it is missing.
func ResolveInputs(stage *Stage, results *ResultStore, strict bool) (map[string]any, []MissingField, error) {
	params := make([]string, 0, len(stage.Inputs))
	for param := range stage.Inputs {
		params = append(params, param)
	}
	sort.Strings(params)

	resolved := make(map[string]any, len(params))
	var missing []MissingField
	for _, param := range params {
		src := stage.Inputs[param]
		if !src.IsRef() {
			resolved[param] = deepCopy(src.value)
			continue
		}

		data, ok := results.data(src.stage)
		if !ok {
			return nil, nil, &ResolutionError{Stage: stage.Name, Input: param, Ref: src.String(), Err: ErrMissingDependency}
		}
		v, found := walkPath(data, src.path)
		if !found {
			if strict {
				return nil, nil, &ResolutionError{Stage: stage.Name, Input: param, Ref: src.String(), Err: ErrMissingField}
			}
			missing = append(missing, MissingField{Input: param, Ref: src.String()})
			resolved[param] = nil
			continue
		}
		resolved[param] = copyValue(v)
	}
	return resolved, missing, nil
}

func walkPath(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		next, ok := field(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// field returns the named member of v.
func field(v any, name string) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		x, ok := t[name]
		return x, ok
	case []any:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		x := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !x.IsValid() {
			return nil, false
		}
		return x.Interface(), true
	case reflect.Struct:
		return structField(rv, name)
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func structField(rv reflect.Value, name string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := strings.Split(f.Tag.Get("json"), ",")[0]
		if tag == "-" {
			continue
		}
		if tag == name || (tag == "" && f.Name == name) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}
