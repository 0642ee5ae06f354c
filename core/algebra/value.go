// Package algebra classifies column operators by their algebraic structure
// and merges values under those operators. Everything here is pure and
// stateless; the transaction manager and the convergence layer both build on it.
package algebra

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the underlying representation carried by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindStringSet
	KindIntSet
	KindBool
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindInt:       "int",
	KindFloat:     "float",
	KindStringSet: "string_set",
	KindIntSet:    "int_set",
	KindBool:      "bool",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged column value. Only the field matching Kind is meaningful.
// Sets are always stored sorted and de-duplicated, so two sets with the same
// members compare equal field by field.
type Value struct {
	Kind    Kind     `json:"kind"`
	Int     int64    `json:"int,omitempty"`
	Float   float64  `json:"float,omitempty"`
	Bool    bool     `json:"bool,omitempty"`
	Strings []string `json:"strings,omitempty"`
	Ints    []int64  `json:"ints,omitempty"`
}

// Null returns the SQL-style null value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an integer value.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// StringSet returns a set of strings. Duplicates are dropped.
func StringSet(members ...string) Value {
	return Value{Kind: KindStringSet, Strings: normalizeStrings(members)}
}

// IntSet returns a set of integers. Duplicates are dropped.
func IntSet(members ...int64) Value {
	return Value{Kind: KindIntSet, Ints: normalizeInts(members)}
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports structural equality. Set order never matters because sets
// are kept normalized.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindStringSet:
		if len(v.Strings) != len(o.Strings) {
			return false
		}
		for i := range v.Strings {
			if v.Strings[i] != o.Strings[i] {
				return false
			}
		}
		return true
	case KindIntSet:
		if len(v.Ints) != len(o.Ints) {
			return false
		}
		for i := range v.Ints {
			if v.Ints[i] != o.Ints[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindStringSet:
		return "{" + strings.Join(v.Strings, ",") + "}"
	case KindIntSet:
		parts := make([]string, len(v.Ints))
		for i, n := range v.Ints {
			parts[i] = strconv.FormatInt(n, 10)
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return v.Kind.String()
}

// validate rejects operands whose algebraic content is undefined: a null
// that carries a payload, or a NaN float. NaN would break commutativity of
// MAX/MIN, so it is refused rather than propagated.
func (v Value) validate() error {
	switch v.Kind {
	case KindNull:
		if v.Int != 0 || v.Float != 0 || v.Bool || len(v.Strings) > 0 || len(v.Ints) > 0 {
			return fmt.Errorf("%w: null value carries a payload", ErrNullPropagation)
		}
	case KindFloat:
		if math.IsNaN(v.Float) {
			return fmt.Errorf("%w: NaN operand", ErrNullPropagation)
		}
	case KindInt, KindBool, KindStringSet, KindIntSet:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrTypeMismatch, v.Kind)
	}
	return nil
}

// UnmarshalJSON re-normalizes sets so values decoded off the wire keep the
// sorted/unique invariant even if the sender did not.
func (v *Value) UnmarshalJSON(data []byte) error {
	type plain Value
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = Value(p)
	switch v.Kind {
	case KindStringSet:
		v.Strings = normalizeStrings(v.Strings)
	case KindIntSet:
		v.Ints = normalizeInts(v.Ints)
	}
	return nil
}

func normalizeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func normalizeInts(in []int64) []int64 {
	if len(in) == 0 {
		return nil
	}
	out := append([]int64(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
