package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how a structured error should be treated downstream.
type Severity string

const (
	SeverityWarning    Severity = "warning"
	SeverityError      Severity = "error"
	SeverityCritical   Severity = "critical"
	SeverityValidation Severity = "validation"
)

// StructuredError is the immutable error record that travels through the
// call chain and, at the caller boundary, into the response body.
type StructuredError struct {
	ID         string                 `json:"errorId"`
	TraceID    string                 `json:"traceId,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Code       ErrorCode              `json:"errorCode"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Source     string                 `json:"source"`
	Context    map[string]interface{} `json:"context,omitempty"`
	HTTPStatus int                    `json:"httpStatus,omitempty"`

	// Cause is the wrapped original error; serialized as its message only.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the original cause to errors.Is/errors.As.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Opts carries the optional attributes of a structured error. Zero values
// are filled with sensible defaults by New.
type Opts struct {
	TraceID    string
	Severity   Severity
	Source     string
	Cause      error
	Context    map[string]interface{}
	HTTPStatus int
}

// New constructs a StructuredError. It assigns a fresh error ID and the
// current timestamp; everything else comes from the arguments.
func New(code ErrorCode, message string, opts Opts) *StructuredError {
	severity := opts.Severity
	if severity == "" {
		severity = SeverityError
	}
	return &StructuredError{
		ID:         uuid.NewString(),
		TraceID:    opts.TraceID,
		Timestamp:  time.Now().UTC(),
		Code:       code,
		Severity:   severity,
		Message:    message,
		Source:     opts.Source,
		Cause:      opts.Cause,
		Context:    opts.Context,
		HTTPStatus: opts.HTTPStatus,
	}
}

// Newf is New with a formatted message and no extra options beyond source.
func Newf(code ErrorCode, source string, format string, args ...interface{}) *StructuredError {
	return New(code, fmt.Sprintf(format, args...), Opts{Source: source})
}

// AsStructured extracts a StructuredError from an error chain. The second
// return is false when the chain carries no structured error.
func AsStructured(err error) (*StructuredError, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Ensure returns the structured form of any error: the existing structured
// error when present, otherwise a wrapper with the given fallback code.
func Ensure(err error, fallback ErrorCode, source, traceID string) *StructuredError {
	if se, ok := AsStructured(err); ok {
		return se
	}
	return New(fallback, err.Error(), Opts{Source: source, TraceID: traceID, Cause: err})
}
