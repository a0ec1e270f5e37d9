// Package value defines the JSON-like data model that flows through the
// engine: event payloads, fact values, condition operands, action
// templates and lookup arguments.
//
// Value is a sealed interface. Only Null, Bool, Number, String, List, Map
// and Ref implement it. Ref is the one non-JSON variant: it marks a
// deferred reference (written as ${path} or {ref: path} in rule sources)
// that the evaluator resolves against a live context at fire time.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the engine's data model.
type Value interface {
	isValue() // sealed
}

// Null represents an explicit JSON null.
type Null struct{}

func (Null) isValue() {}

// Bool represents a boolean.
type Bool bool

func (Bool) isValue() {}

// Number represents any numeric value. All numbers are float64, matching
// JSON semantics; Canonical and Format render integral values without a
// fractional part.
type Number float64

func (Number) isValue() {}

// String represents a string. Strings may contain ${path} tokens that the
// evaluator expands at fire time; see ExpandString.
type String string

func (String) isValue() {}

// List represents an ordered sequence of values.
type List []Value

func (List) isValue() {}

// Map represents string-keyed structured data. Use SortedKeys for
// deterministic iteration.
type Map map[string]Value

func (Map) isValue() {}

// Ref represents a deferred reference to a dot-notated context path,
// e.g. "event.orderId" or "fact.user:123.tier".
type Ref struct {
	Path string
}

func (Ref) isValue() {}

// Of converts a plain Go value (as produced by encoding/json or yaml.v3
// decoding into any) to a Value. Existing Values pass through unchanged.
func Of(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Number(val), nil
	case int8:
		return Number(val), nil
	case int16:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint:
		return Number(val), nil
	case uint8:
		return Number(val), nil
	case uint16:
		return Number(val), nil
	case uint32:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case float32:
		return Number(val), nil
	case float64:
		return Number(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q out of range: %w", val, err)
		}
		return Number(f), nil
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			conv, err := Of(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = conv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			conv, err := Of(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = conv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// MustOf is Of for literals known to convert. It panics on failure and is
// intended for tests and rule builders.
func MustOf(v any) Value {
	conv, err := Of(v)
	if err != nil {
		panic(err)
	}
	return conv
}

// ToGo converts a Value back to plain Go types (nil, bool, float64,
// string, []any, map[string]any). Refs convert to their ${path} form.
func ToGo(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(val)
	case Number:
		return float64(val)
	case String:
		return string(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	case Ref:
		return "${" + val.Path + "}"
	default:
		return nil
	}
}

// Clone returns a deep copy of v. Scalars are value types and share no
// state; only List and Map allocate.
func Clone(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Map:
		out := make(Map, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep structural equality. Numbers compare numerically, so
// values produced from int and float inputs compare equal when they
// represent the same number.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil, Null:
		_, isNull := b.(Null)
		return isNull || b == nil
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, elem := range av {
			other, present := bv[k]
			if !present || !Equal(elem, other) {
				return false
			}
		}
		return true
	case Ref:
		bv, ok := b.(Ref)
		return ok && av.Path == bv.Path
	default:
		return false
	}
}

// Lookup descends into v along a dot-separated path. Map segments select
// keys; List segments must be decimal indexes. The empty path returns v
// itself. The second result is false when any segment is missing.
func Lookup(v Value, path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Map:
			next, ok := node[seg]
			if !ok {
				return Null{}, false
			}
			cur = next
		case List:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Null{}, false
			}
			cur = node[idx]
		default:
			return Null{}, false
		}
	}
	return cur, true
}

// IsNull reports whether v is nil or an explicit Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Format renders v for string interpolation and log output. Strings render
// bare (no quotes), numbers in their shortest form, and composites as
// canonical JSON.
func Format(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Number:
		return formatNumber(float64(val))
	case String:
		return string(val)
	case Ref:
		return "${" + val.Path + "}"
	default:
		data, err := Canonical(v)
		if err != nil {
			return fmt.Sprintf("%v", ToGo(v))
		}
		return string(data)
	}
}

// formatNumber renders integral values without a fractional part and
// everything else in shortest round-trip form.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SortedKeys returns the map's keys in RFC 8785 order (UTF-16 code
// units). Go's native string order is UTF-8 and differs for characters
// outside the BMP.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
