package reporter

import (
	"encoding/json"
	"reflect"
)

// Kind names the tracking operation a value is routed to.
type Kind string

const (
	KindList   Kind = "list"
	KindScalar Kind = "scalar"
)

// NumericList returns the elements of v as float64 when v is a non-empty
// slice or array whose every element is a number. Booleans are not numbers.
func NumericList(v any) ([]float64, bool) {
	if v == nil {
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// Strings of bytes are not metric sequences.
	if rv.Type().Elem().Kind() == reflect.Uint8 && rv.Kind() == reflect.Slice {
		return nil, false
	}
	if rv.Len() == 0 {
		return nil, false
	}

	values := make([]float64, rv.Len())
	for i := range values {
		f, ok := toFloat(rv.Index(i))
		if !ok {
			return nil, false
		}
		values[i] = f
	}
	return values, true
}

// Classify returns the kind a value is reported as.
func Classify(v any) Kind {
	if _, ok := NumericList(v); ok {
		return KindList
	}
	return KindScalar
}

func toFloat(rv reflect.Value) (float64, bool) {
	var seen map[uintptr]struct{}
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return 0, false
		}
		if rv.Kind() == reflect.Pointer {
			if _, ok := seen[rv.Pointer()]; ok {
				return 0, false
			}
			if seen == nil {
				seen = make(map[uintptr]struct{})
			}
			seen[rv.Pointer()] = struct{}{}
		}
		rv = rv.Elem()
	}

	if rv.Type() == reflect.TypeOf(json.Number("")) {
		f, err := json.Number(rv.String()).Float64()
		return f, err == nil
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
