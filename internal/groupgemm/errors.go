package groupgemm

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch reports operands whose dimensions or dtypes disagree,
	// including group sizes that do not sum to the row count of X.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidGroupSize reports a negative group size or an empty group
	// size vector.
	ErrInvalidGroupSize = errors.New("invalid group size")
	// ErrResourceExhausted reports an output that exceeds the configured
	// element budget or cannot be addressed at all.
	ErrResourceExhausted = errors.New("resource exhausted")
)
