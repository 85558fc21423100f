package errors

import (
	"errors"
	"fmt"
)

// Kind tags an error so callers can branch on identity instead of matching
// message text. The set is closed.
type Kind string

const (
	// KindCircuitOpen means the breaker rejected the call without invoking it.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"

	// KindHalfOpenExhausted means every half-open trial slot is taken.
	KindHalfOpenExhausted Kind = "CIRCUIT_HALF_OPEN_EXHAUSTED"

	// KindValidation means the caller sent a malformed or incomplete payload.
	KindValidation Kind = "VALIDATION"

	// KindRateLimited means the tenant exceeded its request budget.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindStorage means the shared state store failed.
	KindStorage Kind = "STORAGE"
)

// Sentinels for errors.Is matching. Only Kind is compared.
var (
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen}
	ErrHalfOpenExhausted = &Error{Kind: KindHalfOpenExhausted}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrStorage           = &Error{Kind: KindStorage}
)

// Error is a tagged error.
type Error struct {
	Kind Kind
	// Op names the operation or resource, e.g. a circuit service name.
	Op  string
	Err error
}

// New creates a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first tagged error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Validation wraps a validation failure.
func Validation(field, message string) *Error {
	return &Error{
		Kind: KindValidation,
		Err:  &ValidationError{Field: field, Message: message},
	}
}

// Storage wraps a store failure with the operation that failed.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}
