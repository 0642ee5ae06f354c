package algebra

import "errors"

// --- Error Definitions ---

var (
	ErrTypeMismatch    = errors.New("algebraic type mismatch")
	ErrOverflow        = errors.New("algebraic merge overflow")
	ErrNullPropagation = errors.New("null propagation error")
	ErrNotMergeable    = errors.New("operator has no coordination-free merge")
)
