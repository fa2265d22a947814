package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a stable machine-readable code from the closed taxonomy.
// Every error crossing the service boundary carries exactly one code.
type ErrorCode string

const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrUnreachable      ErrorCode = "DEVICE_UNREACHABLE"
	ErrDeviceAuth       ErrorCode = "DEVICE_AUTH_FAILED"
	ErrDeviceRejected   ErrorCode = "DEVICE_REJECTED"
	ErrUnsafeOperation  ErrorCode = "UNSAFE_OPERATION"
	ErrPlanNotApproved  ErrorCode = "PLAN_NOT_APPROVED"
	ErrPlanExpired      ErrorCode = "PLAN_EXPIRED"
	ErrTokenConsumed    ErrorCode = "TOKEN_ALREADY_USED"
	ErrCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrAlreadyExecuting ErrorCode = "ALREADY_EXECUTING"
	ErrInternal         ErrorCode = "INTERNAL"
)

// CoreError is the structured error returned across the service boundary.
// It carries a stable code, a human-readable message, and contextual fields.
// It never carries credentials or raw upstream error bodies.
type CoreError struct {
	// Code is the taxonomy code.
	Code ErrorCode `json:"code"`

	// Message is a human-readable, actionable message.
	Message string `json:"message"`

	// DeviceID is the related device, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// PlanID is the related plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// RetryAfter hints when a retry may succeed, where relevant.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Details carries additional structured context.
	Details map[string]interface{} `json:"details,omitempty"`

	// Err is the wrapped cause, excluded from serialized output.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	switch {
	case e.DeviceID != "" && e.PlanID != "":
		return fmt.Sprintf("[%s] %s (plan=%s, device=%s)", e.Code, e.Message, e.PlanID, e.DeviceID)
	case e.DeviceID != "":
		return fmt.Sprintf("[%s] %s (device=%s)", e.Code, e.Message, e.DeviceID)
	case e.PlanID != "":
		return fmt.Sprintf("[%s] %s (plan=%s)", e.Code, e.Message, e.PlanID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause for error chain inspection.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is matches on taxonomy code, so callers can compare with errors.Is
// against a bare NewError(code, "").
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a CoreError with the given code and message.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// WrapError creates a CoreError wrapping a cause.
func WrapError(code ErrorCode, message string, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// WithDevice adds device context.
func (e *CoreError) WithDevice(deviceID string) *CoreError {
	e.DeviceID = deviceID
	return e
}

// WithPlan adds plan context.
func (e *CoreError) WithPlan(planID string) *CoreError {
	e.PlanID = planID
	return e
}

// WithRetryAfter adds a retry hint.
func (e *CoreError) WithRetryAfter(d time.Duration) *CoreError {
	e.RetryAfter = d
	return e
}

// WithDetail adds a structured detail field.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from an error chain.
// Unclassified errors map to ErrInternal.
func CodeOf(err error) ErrorCode {
	var e *CoreError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether the error chain carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a retry of the same call may succeed.
// Only transient transport conditions qualify; rejections and policy
// failures never do.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrTimeout, ErrUnreachable, ErrRateLimited:
		return true
	}
	return false
}

// AsCoreError normalizes any error into a CoreError, wrapping unclassified
// errors as internal without exposing their text in the message.
func AsCoreError(err error) *CoreError {
	if err == nil {
		return nil
	}
	var e *CoreError
	if errors.As(err, &e) {
		return e
	}
	return WrapError(ErrInternal, "internal error", err)
}
