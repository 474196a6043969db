package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine and its collaborators. Callers add
// detail with fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrDuplicateIdentity    = errors.New("identity already registered")
	ErrInstrumentNotFound   = errors.New("instrument not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrInvalidQuantity and ErrInvalidAmount are both ErrInvalidArgument.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be at least 1", ErrInvalidArgument)
	ErrInvalidAmount   = fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
)
