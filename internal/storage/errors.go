package storage

import "errors"

// Sentinel errors shared by both backends.
var (
	// ErrNotReady is returned when the store is used before initialization
	// or after Close. Programmer error, surfaced verbatim.
	ErrNotReady = errors.New("storage not ready")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on unique-constraint violations (team name,
	// person-username pair, remember-token hash).
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for per-event input failures. The event is
	// quarantined and the batch continues.
	ErrValidation = errors.New("validation failed")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
