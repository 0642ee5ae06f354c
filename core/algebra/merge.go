package algebra

import (
	"fmt"
	"math"
	"math/bits"
)

// Merge combines a and b under op.
//
// Null is absorbed: merging a defined value with Null yields the defined
// value, and Null with Null yields Null. Operands of different kinds fail with
// ErrTypeMismatch. Abelian merges use checked arithmetic and fail with
// ErrOverflow instead of wrapping. Generic operators fail with ErrNotMergeable.
func Merge(op OpType, a, b Value) (Value, error) {
	if err := a.validate(); err != nil {
		return Value{}, err
	}
	if err := b.validate(); err != nil {
		return Value{}, err
	}
	if Classify(op) == ClassGeneric {
		return Value{}, fmt.Errorf("%w: %s", ErrNotMergeable, op)
	}
	if a.IsNull() {
		return b.clone(), nil
	}
	if b.IsNull() {
		return a.clone(), nil
	}
	if a.Kind != b.Kind {
		return Value{}, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a.Kind, op, b.Kind)
	}

	switch op {
	case OpMax:
		return mergeMax(a, b)
	case OpMin:
		return mergeMin(a, b)
	case OpUnion:
		return mergeUnion(a, b)
	case OpIntersect:
		return mergeIntersect(a, b)
	case OpAdd:
		return mergeAdd(a, b)
	case OpMultiply:
		return mergeMultiply(a, b)
	}
	return Value{}, fmt.Errorf("%w: %s", ErrNotMergeable, op)
}

// Apply folds incoming into current on a path where writes are already
// serialized. Mergeable operators behave exactly like Merge; Generic
// operators replace the current value.
func Apply(op OpType, current, incoming Value) (Value, error) {
	if Mergeable(op) {
		return Merge(op, current, incoming)
	}
	if err := incoming.validate(); err != nil {
		return Value{}, err
	}
	if !current.IsNull() && !incoming.IsNull() && current.Kind != incoming.Kind {
		return Value{}, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, current.Kind, op, incoming.Kind)
	}
	return incoming.clone(), nil
}

func unsupported(op OpType, k Kind) error {
	return fmt.Errorf("%w: %s does not apply to %s", ErrTypeMismatch, op, k)
}

func mergeMax(a, b Value) (Value, error) {
	switch a.Kind {
	case KindInt:
		if b.Int > a.Int {
			return b, nil
		}
		return a, nil
	case KindFloat:
		return Float(math.Max(a.Float, b.Float)), nil
	case KindBool:
		return Bool(a.Bool || b.Bool), nil
	}
	return Value{}, unsupported(OpMax, a.Kind)
}

func mergeMin(a, b Value) (Value, error) {
	switch a.Kind {
	case KindInt:
		if b.Int < a.Int {
			return b, nil
		}
		return a, nil
	case KindFloat:
		return Float(math.Min(a.Float, b.Float)), nil
	case KindBool:
		return Bool(a.Bool && b.Bool), nil
	}
	return Value{}, unsupported(OpMin, a.Kind)
}

func mergeUnion(a, b Value) (Value, error) {
	switch a.Kind {
	case KindStringSet:
		return StringSet(append(append([]string(nil), a.Strings...), b.Strings...)...), nil
	case KindIntSet:
		return IntSet(append(append([]int64(nil), a.Ints...), b.Ints...)...), nil
	}
	return Value{}, unsupported(OpUnion, a.Kind)
}

func mergeIntersect(a, b Value) (Value, error) {
	switch a.Kind {
	case KindStringSet:
		in := make(map[string]struct{}, len(b.Strings))
		for _, s := range b.Strings {
			in[s] = struct{}{}
		}
		var out []string
		for _, s := range a.Strings {
			if _, ok := in[s]; ok {
				out = append(out, s)
			}
		}
		return StringSet(out...), nil
	case KindIntSet:
		in := make(map[int64]struct{}, len(b.Ints))
		for _, n := range b.Ints {
			in[n] = struct{}{}
		}
		var out []int64
		for _, n := range a.Ints {
			if _, ok := in[n]; ok {
				out = append(out, n)
			}
		}
		return IntSet(out...), nil
	}
	return Value{}, unsupported(OpIntersect, a.Kind)
}

func mergeAdd(a, b Value) (Value, error) {
	switch a.Kind {
	case KindInt:
		sum := a.Int + b.Int
		// Signed overflow iff both operands share a sign the result lacks.
		if (a.Int >= 0) == (b.Int >= 0) && (sum >= 0) != (a.Int >= 0) {
			return Value{}, fmt.Errorf("%w: %d + %d", ErrOverflow, a.Int, b.Int)
		}
		return Int(sum), nil
	case KindFloat:
		sum := a.Float + b.Float
		if math.IsInf(sum, 0) {
			return Value{}, fmt.Errorf("%w: %g + %g", ErrOverflow, a.Float, b.Float)
		}
		return Float(sum), nil
	}
	return Value{}, unsupported(OpAdd, a.Kind)
}

func mergeMultiply(a, b Value) (Value, error) {
	switch a.Kind {
	case KindInt:
		product, err := checkedMul(a.Int, b.Int)
		if err != nil {
			return Value{}, err
		}
		return Int(product), nil
	case KindFloat:
		product := a.Float * b.Float
		if math.IsInf(product, 0) {
			return Value{}, fmt.Errorf("%w: %g * %g", ErrOverflow, a.Float, b.Float)
		}
		return Float(product), nil
	}
	return Value{}, unsupported(OpMultiply, a.Kind)
}

func checkedMul(x, y int64) (int64, error) {
	if x == 0 || y == 0 {
		return 0, nil
	}
	neg := (x < 0) != (y < 0)
	ux, uy := absUint(x), absUint(y)
	hi, lo := bits.Mul64(ux, uy)
	limit := uint64(math.MaxInt64)
	if neg {
		limit++ // |MinInt64| is one larger than MaxInt64.
	}
	if hi != 0 || lo > limit {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, x, y)
	}
	if neg {
		return int64(-lo), nil
	}
	return int64(lo), nil
}

func absUint(x int64) uint64 {
	if x < 0 {
		return uint64(-(x + 1)) + 1
	}
	return uint64(x)
}

func (v Value) clone() Value {
	out := v
	if v.Strings != nil {
		out.Strings = append([]string(nil), v.Strings...)
	}
	if v.Ints != nil {
		out.Ints = append([]int64(nil), v.Ints...)
	}
	return out
}
