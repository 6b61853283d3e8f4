package pipeline

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Params maps option names to values for a single stage.
//
// Values must be fingerprintable (see package fingerprint): scalars, strings,
// slices, maps and plain structs of those.
type Params map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the option names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// merge layers each map over base, later maps winning.
func merge(base Params, layers ...Params) Params {
	out := base.Clone()
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// ParamError reports a missing option or a value of the wrong type.
type ParamError struct {
	Option string
	Want   string
	Got    any
}

func (e *ParamError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("option %q: missing %s value", e.Option, e.Want)
	}
	return fmt.Sprintf("option %q: want %s, got %T (%v)", e.Option, e.Want, e.Got, e.Got)
}

// Float returns the option as float64. Any integer or float kind converts.
func (p Params) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, &ParamError{Option: name, Want: "float"}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, &ParamError{Option: name, Want: "float", Got: v}
}

// Int returns the option as int. Floats convert only when integral.
func (p Params) Int(name string) (int, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, &ParamError{Option: name, Want: "int"}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt {
			break
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) || f > math.MaxInt || f < math.MinInt {
			break
		}
		return int(f), nil
	}
	return 0, &ParamError{Option: name, Want: "int", Got: v}
}

// Bool returns the option as bool.
func (p Params) Bool(name string) (bool, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return false, &ParamError{Option: name, Want: "bool"}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ParamError{Option: name, Want: "bool", Got: v}
	}
	return b, nil
}

// String returns the option as string.
func (p Params) String(name string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", &ParamError{Option: name, Want: "string"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ParamError{Option: name, Want: "string", Got: v}
	}
	return s, nil
}
