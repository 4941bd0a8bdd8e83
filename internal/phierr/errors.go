// Package phierr defines the error taxonomy shared by every phivault layer.
// Lower layers wrap these sentinels with %w; only the HTTP facade turns them
// into caller-facing messages.
package phierr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/hengadev/errsx"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrInsufficientScope = errors.New("insufficient scope")
	ErrStorage           = errors.New("storage failure")
)

// NewConfigurationError reports a missing or unusable setting.
func NewConfigurationError(setting, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, setting, reason)
}

func NewIntegrityError(reason string) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, reason)
}

func NewStorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func NewInsufficientScopeError(required string) error {
	return fmt.Errorf("%w: requires %s", ErrInsufficientScope, required)
}

// ValidationError carries per-field problems for a rejected request.
type ValidationError struct {
	Fields errsx.Map
}

// NewValidationError returns nil when fields is empty so callers can
// accumulate problems and return the result unconditionally.
func NewValidationError(fields errsx.Map) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Fields.Error())
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// FieldMessages flattens the field map for JSON output.
func (e *ValidationError) FieldMessages() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// FieldNames returns the offending field names in sorted order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func IsConfiguration(err error) bool     { return errors.Is(err, ErrConfiguration) }
func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsIntegrity(err error) bool         { return errors.Is(err, ErrIntegrity) }
func IsNotAuthenticated(err error) bool  { return errors.Is(err, ErrNotAuthenticated) }
func IsInsufficientScope(err error) bool { return errors.Is(err, ErrInsufficientScope) }
func IsStorage(err error) bool           { return errors.Is(err, ErrStorage) }

// HTTPStatus maps an error to the status code the facade responds with.
// Anything unclassified is a 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotAuthenticated(err):
		return http.StatusUnauthorized
	case IsInsufficientScope(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code paired with HTTPStatus.
func Code(err error) string {
	switch {
	case IsValidation(err):
		return "validation_failed"
	case IsNotAuthenticated(err):
		return "not_authenticated"
	case IsInsufficientScope(err):
		return "insufficient_scope"
	case IsNotFound(err):
		return "not_found"
	default:
		return "internal_error"
	}
}
