// Package errors defines the unified error kinds surfaced by the cache
// core. Backend-specific failures are mapped onto these types so the
// manager can apply one propagation policy everywhere.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds as constants for consistency.
const (
	TypeConfiguration      = "configuration_error"
	TypeBackendUnavailable = "backend_unavailable"
	TypeBackendIO          = "backend_io_error"
	TypeDeserialization    = "deserialization_error"
)

// CacheError is a standardized error from the cache subsystem. Only
// configuration errors are ever returned to callers of the manager; the
// rest surface through the event stream.
type CacheError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Backend   string `json:"backend,omitempty"`
	Retryable bool   `json:"-"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s (backend=%s)", e.Type, e.Message, e.Backend)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a fatal configuration error. It is the
// only error kind raised synchronously from manager construction.
func NewConfigurationError(message string) *CacheError {
	return &CacheError{
		Type:    TypeConfiguration,
		Message: message,
	}
}

// NewBackendUnavailableError indicates the backend is not connected or
// not initialized.
func NewBackendUnavailableError(backend, message string, err error) *CacheError {
	return &CacheError{
		Type:      TypeBackendUnavailable,
		Message:   message,
		Backend:   backend,
		Retryable: true,
		Err:       err,
	}
}

// NewBackendIOError indicates a transient I/O failure. The core does not
// retry it.
func NewBackendIOError(backend, message string, err error) *CacheError {
	return &CacheError{
		Type:      TypeBackendIO,
		Message:   message,
		Backend:   backend,
		Retryable: true,
		Err:       err,
	}
}

// NewDeserializationError indicates a malformed stored entry. Callers
// treat it as a miss and delete the underlying key on a best-effort basis.
func NewDeserializationError(backend, key string, err error) *CacheError {
	return &CacheError{
		Type:    TypeDeserialization,
		Message: fmt.Sprintf("malformed entry for key %s", key),
		Backend: backend,
		Err:     err,
	}
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return hasType(err, TypeConfiguration)
}

// IsBackendUnavailable reports whether err marks the backend unavailable.
func IsBackendUnavailable(err error) bool {
	return hasType(err, TypeBackendUnavailable)
}

// IsDeserialization reports whether err marks a malformed entry.
func IsDeserialization(err error) bool {
	return hasType(err, TypeDeserialization)
}

func hasType(err error, t string) bool {
	var ce *CacheError
	return errors.As(err, &ce) && ce.Type == t
}
