package reporter

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// FormatValue renders v the way the notebook kernel prints it: integers as 5,
// integral floats as 2.0, sequences as [1, 2, 3], nil as None, booleans as
// True/False. Top-level strings are returned unquoted.
func FormatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return repr(v)
}

func repr(v any) string {
	var p printer
	return p.repr(v)
}

// printer renders nested values, marking containers already on the current
// path as [...] or {...}.
type printer struct {
	active map[visit]struct{}
}

type visit struct {
	ptr uintptr
	len int
	typ reflect.Type
}

func (p *printer) enter(rv reflect.Value) (visit, bool) {
	key := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if rv.Kind() != reflect.Pointer {
		key.len = rv.Len()
	}
	if _, ok := p.active[key]; ok {
		return key, false
	}
	if p.active == nil {
		p.active = make(map[visit]struct{})
	}
	p.active[key] = struct{}{}
	return key, true
}

func (p *printer) leave(key visit) {
	delete(p.active, key)
}

func (p *printer) repr(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return quote(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case json.Number:
		return formatNumber(x)
	case float64:
		return formatFloat(x, 64)
	case float32:
		return formatFloat(float64(x), 32)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return formatFloat(rv.Float(), 32)
	case reflect.Float64:
		return formatFloat(rv.Float(), 64)
	case reflect.Bool:
		return p.repr(rv.Bool())
	case reflect.String:
		return quote(rv.String())
	case reflect.Interface:
		if rv.IsNil() {
			return "None"
		}
		return p.repr(rv.Elem().Interface())
	case reflect.Pointer:
		if rv.IsNil() {
			return "None"
		}
		key, ok := p.enter(rv)
		if !ok {
			return "..."
		}
		defer p.leave(key)
		return p.repr(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "[]"
		}
		if rv.Len() == 0 {
			return "[]"
		}
		key, ok := p.enter(rv)
		if !ok {
			return "[...]"
		}
		defer p.leave(key)
		return p.formatSequence(rv)
	case reflect.Array:
		return p.formatSequence(rv)
	case reflect.Map:
		if rv.IsNil() || rv.Len() == 0 {
			return "{}"
		}
		key, ok := p.enter(rv)
		if !ok {
			return "{...}"
		}
		defer p.leave(key)
		return p.formatMap(rv)
	default:
		return fmt.Sprint(v)
	}
}

func (p *printer) formatSequence(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = p.repr(rv.Index(i).Interface())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (p *printer) formatMap(rv reflect.Value) string {
	type entry struct{ key, value string }

	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{
			key:   p.repr(iter.Key().Interface()),
			value: p.repr(iter.Value().Interface()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.key + ": " + e.value
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatNumber keeps integer literals exact, including those beyond int64.
func formatNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if _, ok := new(big.Int).SetString(s, 10); ok {
			return s
		}
	}
	if f, err := n.Float64(); err == nil {
		return formatFloat(f, 64)
	}
	return s
}

// formatFloat switches to exponent notation outside [1e-4, 1e16), and always
// keeps a fractional part on integral values.
func formatFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, bitSize)
	}

	s := strconv.FormatFloat(f, 'f', -1, bitSize)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// quote prefers single quotes and falls back to double quotes when the string
// holds a single quote but no double quote.
func quote(s string) string {
	delim := byte('\'')
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		delim = '"'
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(delim)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(delim):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(delim)
	return b.String()
}
