package fixed

import (
	"errors"
	"fmt"
)

var (
	// ErrDivideByZero is a fatal precondition violation. The engine never
	// substitutes zero for an undefined quotient.
	ErrDivideByZero = errors.New("fixed: divide by zero")

	// ErrScaleMismatch means two values of incompatible scales were combined.
	ErrScaleMismatch = errors.New("fixed: scale mismatch")

	// ErrOverflow means a result does not fit the 64-bit scale magnitude.
	ErrOverflow = errors.New("fixed: int64 overflow")
)

func scaleMismatch(a, b Scale) error {
	return fmt.Errorf("%w: %s vs %s", ErrScaleMismatch, a, b)
}
