package pairing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode covers an empty code and a subscription the broker
	// refused. The two cannot be told apart: a malformed topic and a desktop
	// that never created the session look the same from here.
	ErrInvalidCode = errors.New("invalid pairing code")

	// ErrConnection means the bus could not be reached before a subscription
	// was attempted.
	ErrConnection = errors.New("bus connection failed")

	errEmptyCode = errors.New("code is empty")
)

// Error is returned by Pair. Kind is ErrInvalidCode or ErrConnection and
// matches with errors.Is; Err is the underlying cause.
type Error struct {
	Kind error
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pair %q: %v", e.Code, e.Kind)
	}
	return fmt.Sprintf("pair %q: %v: %v", e.Code, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a pairing failure the user can retry.
// Every pairing failure is; callers decide whether to retry on their own
// (ErrConnection) or ask for a new code (ErrInvalidCode).
func Retryable(err error) bool {
	return errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrConnection)
}

// result labels for the pairing attempts metric
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	default:
		return "error"
	}
}
