package payment

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Expected outcomes (duplicate events,
// missing records) are first-class values so callers must handle them
// instead of catching exceptions.
var (
	ErrValidation        = errors.New("validation failed")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrAmountMismatch    = errors.New("amount mismatch")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRecordNotFound    = errors.New("payment record not found")
	ErrGateway           = errors.New("gateway error")
	ErrDuplicateEvent    = errors.New("duplicate webhook event")
)

// TransitionError identifies the illegal (from, to) pair behind an
// ErrInvalidTransition.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
