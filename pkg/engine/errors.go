// Package engine provides the core types and interfaces for the Kolumn
// reconciliation engine: the dependency graph, the planner that diffs desired
// configuration against stored state, and the applier that executes plans
// through providers.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary provider unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRecoverable indicates a per-node failure that does not block
	// planning of unrelated nodes. Examples: a discovered file is missing.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassPermanent indicates a non-recoverable error that blocks plan
	// generation entirely. Examples: syntax errors, unresolved references,
	// circular dependencies.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with resource and source context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node ID (kind.name) that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// File is the declaring source file, if known.
	File string `json:"file,omitempty"`

	// Line is the line within File, if known.
	Line int `json:"line,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information, for example
	// the exact reference token that failed to resolve or the cycle path.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	loc := ""
	if e.File != "" {
		loc = fmt.Sprintf(" (%s:%d)", e.File, e.Line)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)%s: %s",
			e.Class, e.Message, e.Resource, loc, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s: %s", e.Class, e.Message, loc, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewRecoverableError creates a new recoverable (per-node diagnostic) error.
func NewRecoverableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithSource adds declaring file and line context to an error.
func (e *EngineError) WithSource(file string, line int) *EngineError {
	e.File = file
	e.Line = line
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRecoverable returns true if the error is a per-node diagnostic that does
// not block planning of unrelated nodes.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRecoverable
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode returns true if the error carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Engine error codes.
const (
	ErrCodeSyntax              = "SYNTAX_ERROR"
	ErrCodeDuplicateResource   = "DUPLICATE_RESOURCE"
	ErrCodeDuplicateColumn     = "DUPLICATE_COLUMN"
	ErrCodeUnknownDataObject   = "UNKNOWN_DATA_OBJECT"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeCircularReference   = "CIRCULAR_REFERENCE"
	ErrCodeCircularDependency  = "CIRCULAR_DEPENDENCY"
	ErrCodeResourceNotFound    = "RESOURCE_NOT_FOUND"
	ErrCodeFileTypeUnsupported = "FILE_TYPE_UNSUPPORTED"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeStateStore          = "STATE_STORE_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
