package dedup

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrUnknownCase marks a well-formed case id that does not exist.
	ErrUnknownCase   = fmt.Errorf("%w: unknown case", ErrValidation)
	ErrConflict      = errors.New("conflict")
	ErrAlreadyMerged = fmt.Errorf("%w: case already merged", ErrConflict)
	ErrNotFound      = errors.New("candidate not found")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
