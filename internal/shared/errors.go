package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates a missing, invalid or expired credential, or a disabled account.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates an authenticated principal lacking the required grant.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
)

// ForbiddenError builds an error of the forbidden class carrying a client-safe message.
func ForbiddenError(msg string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, msg)
}

// UnauthorizedError builds an error of the unauthorized class carrying a client-safe message.
func UnauthorizedError(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
}

// ValidationError wraps field level validation failures.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return ErrValidation.Error()
}

// Unwrap exposes the ErrValidation class.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
