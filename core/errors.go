package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or incomplete document payload.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers both a missing document and one owned by another
	// user.
	ErrNotFound = errors.New("document not found")

	// ErrAuthentication marks an identity claim that could not be resolved.
	ErrAuthentication = errors.New("authentication required")

	// ErrStorage marks a failure of the storage backend itself.
	ErrStorage = errors.New("storage unavailable")

	// ErrDelivery marks a failed send to a single room member.
	ErrDelivery = errors.New("delivery failed")
)

// ValidationError reports the first field of a payload that failed the
// document schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFound wraps ErrNotFound with the requested id.
func NotFound(id string) error {
	return fmt.Errorf("document with id %s: %w", id, ErrNotFound)
}
