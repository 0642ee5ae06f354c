package algebra

import (
	"fmt"
	"strings"
)

// OpType is the merge operator declared for a column.
type OpType uint8

const (
	OpUnknown OpType = iota // Unregistered columns; the conservative default.
	OpMax
	OpMin
	OpUnion
	OpIntersect
	OpAdd
	OpMultiply
	OpOverwrite
	OpConditional
)

var opTypeNames = map[OpType]string{
	OpUnknown:     "UNKNOWN",
	OpMax:         "MAX",
	OpMin:         "MIN",
	OpUnion:       "UNION",
	OpIntersect:   "INTERSECT",
	OpAdd:         "ADD",
	OpMultiply:    "MULTIPLY",
	OpOverwrite:   "OVERWRITE",
	OpConditional: "CONDITIONAL",
}

func (op OpType) String() string {
	if name, ok := opTypeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", uint8(op))
}

// ParseOpType resolves an operator by name, case-insensitively.
func ParseOpType(name string) (OpType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for op, n := range opTypeNames {
		if n == upper {
			return op, nil
		}
	}
	return OpUnknown, fmt.Errorf("unknown operator type %q", name)
}

// MarshalText encodes the operator by name so YAML configs and JSON payloads stay readable.
func (op OpType) MarshalText() ([]byte, error) {
	if _, ok := opTypeNames[op]; !ok {
		return nil, fmt.Errorf("cannot marshal operator %d", uint8(op))
	}
	return []byte(op.String()), nil
}

func (op *OpType) UnmarshalText(text []byte) error {
	parsed, err := ParseOpType(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Class groups operators by the algebraic laws their merge satisfies.
type Class uint8

const (
	// ClassGeneric operators have no safe coordination-free merge.
	ClassGeneric Class = iota
	// ClassSemilattice merges are commutative, associative and idempotent.
	ClassSemilattice
	// ClassAbelian merges are commutative and associative but not idempotent;
	// they apply deltas, which must be delivered exactly once.
	ClassAbelian
)

func (c Class) String() string {
	switch c {
	case ClassSemilattice:
		return "semilattice"
	case ClassAbelian:
		return "abelian"
	default:
		return "generic"
	}
}

// Classify maps an operator to its class. An operator may only be listed as
// Semilattice or Abelian once its merge is shown to satisfy the class laws;
// anything else, including values outside the enumeration, is Generic.
func Classify(op OpType) Class {
	switch op {
	case OpMax, OpMin, OpUnion, OpIntersect:
		return ClassSemilattice
	case OpAdd, OpMultiply:
		return ClassAbelian
	default:
		return ClassGeneric
	}
}

// Mergeable reports whether op can be merged without coordination.
func Mergeable(op OpType) bool {
	return Classify(op) != ClassGeneric
}
