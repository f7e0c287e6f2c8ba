// Package apperr defines the error taxonomy shared by domain services and
// mapped to HTTP status codes by the handler layer.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrUnauthenticated is returned when no caller identity is attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the caller lacks the capability for the target resource.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed input, unknown references, illegal state
// transitions and amount mismatches. Reason is shown to the caller verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validation creates a ValidationError with a formatted reason.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a referenced entity that does not exist or is not
// visible to the caller.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound creates a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
