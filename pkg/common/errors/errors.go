// Package errors defines the error taxonomy shared by the clusterflow packages.
package errors

import (
	"errors"
	"fmt"
)

// Common error types used across the clusterflow module

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacityExceeded indicates that a bounded queue was full
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Cluster transport errors.
var (
	// ErrClientNotReady is returned when a request is sent before the
	// transport reached the READY state.
	ErrClientNotReady = errors.New("token client not ready")

	// ErrRequestTimeout is returned when no response arrived within the
	// per-call timeout. It wraps ErrTimeout.
	ErrRequestTimeout = fmt.Errorf("cluster request timed out: %w", ErrTimeout)

	// ErrBadRequest is returned for requests with an unknown type or a
	// missing payload.
	ErrBadRequest = errors.New("bad cluster request")

	// ErrFrameTooLarge is returned by the frame reader when a length prefix
	// exceeds the maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError without a hint.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint attaches a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// OperationError wraps the failure of a named operation in a module.
type OperationError struct {
	Module    string
	Operation string
	Cause     error
	Context   string
}

// NewOperationError creates an OperationError for module.operation.
func NewOperationError(module, operation string, cause error) *OperationError {
	return &OperationError{
		Module:    module,
		Operation: operation,
		Cause:     cause,
	}
}

// WithContext attaches extra detail and returns the same error for chaining.
func (e *OperationError) WithContext(context string) *OperationError {
	e.Context = context
	return e
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s.%s failed: %v", e.Module, e.Operation, e.Cause)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// EncodingError is returned when a message cannot be serialized.
type EncodingError struct {
	What   string
	Reason string
}

func (e *EncodingError) Error() string {
	return "encode " + e.What + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrBadRequest.
func (e *EncodingError) Unwrap() error {
	return ErrBadRequest
}

// DecodingError is returned when a frame cannot be parsed.
type DecodingError struct {
	What   string
	Reason string
}

func (e *DecodingError) Error() string {
	return "decode " + e.What + ": " + e.Reason
}

// IsRetryable reports whether the same cluster request may succeed if sent
// again: it timed out or the transport was not connected.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrClientNotReady)
}

// IsTemporary reports whether err is a timeout or a full queue
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCapacityExceeded)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsProtocolError reports whether err came from the wire codec.
func IsProtocolError(err error) bool {
	var derr *DecodingError
	var eerr *EncodingError
	return errors.As(err, &derr) || errors.As(err, &eerr) || errors.Is(err, ErrFrameTooLarge)
}
