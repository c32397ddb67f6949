package instance

import (
	"errors"
	"fmt"
)

// Sentinel errors for the manager error taxonomy. Callers match these with
// errors.Is; the HTTP facade maps them to status codes.
var (
	// ErrNotFound is returned when no instance with the given name exists.
	ErrNotFound = errors.New("instance not found")

	// ErrNameConflict is returned when an instance name is already taken.
	ErrNameConflict = errors.New("instance name already in use")

	// ErrPortConflict is returned when a port is already claimed by another
	// live instance record.
	ErrPortConflict = errors.New("port already claimed by another instance")

	// ErrInvalidPort is returned for ports outside the legal 1024-65535 range.
	ErrInvalidPort = errors.New("port outside allowed range")

	// ErrDuplicateUser is returned when adding a username that already exists
	// in an instance's credential file.
	ErrDuplicateUser = errors.New("user already exists")

	// ErrUserNotFound is returned when removing a username that is absent
	// from an instance's credential file.
	ErrUserNotFound = errors.New("user not found")
)

// ValidationError describes a malformed field in a create or update request.
// Validation failures are detected before any mutation reaches disk.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
