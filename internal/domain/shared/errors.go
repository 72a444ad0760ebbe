// Package shared contains common domain types, errors and events used across
// the domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds. Match them with errors.Is.
var (
	// ErrInvalidInput rejects a request synchronously; nothing is applied.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means a reference that should exist does not.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration is a catalog or level-table inconsistency. Fatal at
	// startup, a severe fault at runtime.
	ErrConfiguration = errors.New("configuration error")
	// ErrConcurrentModification is a lost compare-and-swap race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
	// ErrAlreadyExists is used by stores for uniqueness violations.
	ErrAlreadyExists = errors.New("already exists")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "ledger", "quest", "catalog"
	Op      string // operation that failed, e.g. "AddXP"
	Kind    error  // one of the base kinds above
	Message string
	Err     error // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error, falling back to the kind.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches both the kind and the wrapped error.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// InvalidInput builds an ErrInvalidInput domain error with a formatted message.
func InvalidInput(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound domain error with a formatted message.
func NotFound(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrNotFound, fmt.Sprintf(format, args...))
}

// Misconfigured builds an ErrConfiguration domain error with a formatted message.
func Misconfigured(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrConfiguration, fmt.Sprintf(format, args...))
}

func IsInvalidInput(err error) bool  { return errors.Is(err, ErrInvalidInput) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConcurrentModification) }

// Common errors shared by several components.
var (
	ErrEmptyLearnerID = NewDomainError("learner", "Validate", ErrInvalidInput, "learner id must not be empty")
	ErrNegativeXP     = NewDomainError("ledger", "AddXP", ErrInvalidInput, "xp amount must not be negative")
	ErrLevelOverflow  = NewDomainError("ledger", "AddXP", ErrConfiguration, "level exceeds the level table")
)
