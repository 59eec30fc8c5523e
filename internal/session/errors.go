package session

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds means the balance could not cover the computed cost.
// No reservation was made and no external call issued.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNoAccount means settlement was invoked for an unknown account. The
// conversation is reset; balances and audit are untouched.
var ErrNoAccount = errors.New("account not found")

// GenerationError wraps a backend fault after the reservation was already
// taken; by the time it is returned the charge has been reversed.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
