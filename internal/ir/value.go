package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Kind classifies a Value for operator validation.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
	KindArray
	KindColumn
	KindObject
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	case KindArray:
		return "array"
	case KindColumn:
		return "column reference"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a sealed interface over the filter value shapes.
// Only Null, String, Int, Float, Bool, Date, Array, ColumnRef and Object
// implement it.
type Value interface {
	Kind() Kind
	value() // Sealed
}

// Null represents an explicit null literal.
type Null struct{}

func (Null) Kind() Kind { return KindNull }
func (Null) value()     {}

// String represents a string literal.
type String string

func (String) Kind() Kind { return KindString }
func (String) value()     {}

// Int represents an integral number.
type Int int64

func (Int) Kind() Kind { return KindNumber }
func (Int) value()     {}

// Float represents a non-integral number.
type Float float64

func (Float) Kind() Kind { return KindNumber }
func (Float) value()     {}

// Bool represents a boolean literal.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// Date represents an instant, produced by date literals and $NOW variables.
// Always stored in UTC.
type Date time.Time

func (Date) Kind() Kind { return KindDate }
func (Date) value()     {}

// Time returns the instant as a time.Time.
func (d Date) Time() time.Time { return time.Time(d) }

// Array represents a list of values (in, nin, between operands).
type Array []Value

func (Array) Kind() Kind { return KindArray }
func (Array) value()     {}

// ColumnRef is the $COL(path) pseudo-value: a comparison against another
// column instead of a literal. Path is relative to the root collection.
type ColumnRef struct {
	Path string
}

func (ColumnRef) Kind() Kind { return KindColumn }
func (ColumnRef) value()     {}

// Object represents a structured literal (GeoJSON, JSON path operands).
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) Kind() Kind { return KindObject }
func (Object) value()     {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for non-BMP runes.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
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
	}
	return 0
}

// FromAny converts a decoded Go value (encoding/json with UseNumber, yaml.v3,
// or hand-built maps) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(val), nil
	case float32:
		return numberFromFloat(float64(val)), nil
	case float64:
		return numberFromFloat(val), nil
	case json.Number:
		return ParseNumber(string(val))
	case time.Time:
		return Date(val.UTC()), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// ParseNumber parses a JSON number literal, keeping integers exact.
func ParseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return numberFromFloat(f), nil
}

// numberFromFloat keeps whole floats as Int so 30 and 30.0 compare equal in
// cache keys.
func numberFromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// Param converts a scalar Value to a database/sql driver argument.
// Arrays, objects and column references cannot be bound directly; operators
// expand or render them before reaching this point.
func Param(v Value) (any, error) {
	switch val := v.(type) {
	case Null:
		return nil, nil
	case String:
		return string(val), nil
	case Int:
		return int64(val), nil
	case Float:
		return float64(val), nil
	case Bool:
		return bool(val), nil
	case Date:
		return time.Time(val).UTC(), nil
	case Array:
		return nil, fmt.Errorf("array cannot be used as a SQL parameter directly")
	case Object:
		return nil, fmt.Errorf("object cannot be used as a SQL parameter directly")
	case ColumnRef:
		return nil, fmt.Errorf("column reference %q cannot be used as a SQL parameter", val.Path)
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}

// ToAny converts a Value back into plain Go values (for JSON encoding).
func ToAny(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Date:
		return time.Time(val).UTC().Format(time.RFC3339Nano)
	case ColumnRef:
		return "$COL(" + val.Path + ")"
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}
