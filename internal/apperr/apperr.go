// Package apperr defines the error kinds shared by the repository, the
// attachment store and the lifecycle engine.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks a transition that is not legal from the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden marks an actor lacking the required relationship or permission.
	ErrForbidden = errors.New("forbidden")
	// ErrStorageWrite marks an I/O failure while writing.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrStorageRead marks an I/O failure while reading.
	ErrStorageRead = errors.New("storage read failed")
)

var kinds = []error{ErrValidation, ErrNotFound, ErrInvalidState, ErrForbidden, ErrStorageWrite, ErrStorageRead}

// Kind returns the sentinel err wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Validation wraps ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the entity name and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// InvalidState wraps ErrInvalidState with a formatted detail.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Forbidden wraps ErrForbidden with a formatted detail.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}
