package domain

import "errors"

var (
	// ErrNotFound is returned when a measurement cannot be found for the
	// requesting owner. An owner mismatch is indistinguishable from a
	// missing record so existence never leaks across owners.
	ErrNotFound = errors.New("measurement not found")

	// ErrDelivery is returned when a work request cannot be handed to the
	// broker.
	ErrDelivery = errors.New("failed to deliver analysis request")
)

// ValidationError describes a rejected submission. The measurement is never
// persisted when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
