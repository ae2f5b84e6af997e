package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("manifest is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Variable errors
	ErrUndefinedVariable = errors.New("undefined variable")

	// Structure errors
	ErrInvalidGroup  = errors.New("invalid group")
	ErrInvalidUnit   = errors.New("invalid unit")
	ErrNoInstances   = errors.New("unit must declare at least one instance")
	ErrGroupNotFound = errors.New("group not found")
	ErrReservedGroup = errors.New("section is not a unit group")

	// Field validation errors
	ErrConflictingHealthChecks = errors.New("remotecheck and healthcheck are mutually exclusive")
	ErrInvalidHealthCheck      = errors.New("invalid health check")
	ErrInvalidVolume           = errors.New("invalid volume")
	ErrInvalidEnvironment      = errors.New("invalid environment entry")
	ErrSelfDependency          = errors.New("unit depends on itself")
	ErrInvalidInstanceName     = errors.New("invalid instance name")
	ErrInvalidResource         = errors.New("invalid network or volume definition")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.api.instances.api1.remotecheck.port"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
