package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means no usable identity or token is available.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrBusy is returned when a generation call is already in flight.
	ErrBusy = errors.New("a generation request is already in progress")
	// ErrNotGuest is returned by guest-only operations on an authenticated identity.
	ErrNotGuest = errors.New("operation requires a guest identity")
	// ErrInvalidReference means an image reference cannot be materialized.
	ErrInvalidReference = errors.New("invalid source for file")
	// ErrStorageUnavailable wraps local persistence failures; callers treat it as non-fatal.
	ErrStorageUnavailable = errors.New("local storage unavailable")
	// ErrNothingPending is returned by ConfirmSave without a pending result.
	ErrNothingPending = errors.New("no result pending save")
)

// ValidationError indicates missing or malformed input. It blocks the action
// before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
