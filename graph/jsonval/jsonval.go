// Package jsonval decodes JSON into the value shapes stage data is made of:
// map[string]any, []any, string, bool, nil and numbers.
//
// Integral numbers decode as int64 (uint64 above the int64 range) and all
// other numbers as float64, so integer identifiers beyond 2^53 survive a
// round trip. Every path that turns bytes into stage data (output
// normalization, cache stores, the subprocess protocol) decodes through
// this package, so fresh and cached data compare equal.
package jsonval

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// ErrTrailingData is returned when input holds more than one JSON value.
var ErrTrailingData = errors.New("jsonval: trailing data after JSON value")

// Unmarshal decodes data into v with numbers kept as json.Number. Callers
// decoding into structs pass their map[string]any fields through Convert.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// Decode parses data into a converted value.
func Decode(data []byte) (any, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return Convert(v), nil
}

// Convert replaces every json.Number in v by its int64, uint64 or float64
// value. Maps and slices are converted in place.
func Convert(v any) any {
	switch t := v.(type) {
	case json.Number:
		return Number(t)
	case map[string]any:
		ConvertMap(t)
		return t
	case []any:
		for i, e := range t {
			t[i] = Convert(e)
		}
		return t
	}
	return v
}

// ConvertMap is Convert for a map. It returns m.
func ConvertMap(m map[string]any) map[string]any {
	for k, e := range m {
		m[k] = Convert(e)
	}
	return m
}

// Number converts one JSON number literal.
func Number(n json.Number) any {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return s
}

// Float returns a numeric value as float64. ok is false for non-numbers.
//
//	x, _ := jsonval.Float(in["x"])
func Float(v any) (f float64, ok bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
