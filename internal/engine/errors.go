package engine

import (
	"context"
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while executing a workflow.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution.
	ExecutionID string

	// NodeID identifies the failing node, when there is one.
	NodeID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidWorkflow indicates the graph failed validation or the
	// workflow cannot be run the way it was requested.
	ErrCodeInvalidWorkflow RuntimeErrorCode = "INVALID_WORKFLOW"

	// ErrCodeCycleDetected indicates the graph contains a cycle.
	ErrCodeCycleDetected RuntimeErrorCode = "CYCLE_DETECTED"

	// ErrCodeQuotaExceeded indicates the execution exceeded max steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeUnknownNodeType indicates no executor is registered for a node.
	ErrCodeUnknownNodeType RuntimeErrorCode = "UNKNOWN_NODE_TYPE"

	// ErrCodeNodeFailed indicates a node executor returned an error.
	ErrCodeNodeFailed RuntimeErrorCode = "NODE_FAILED"

	// ErrCodeBundleDepth indicates bundles nested deeper than allowed.
	ErrCodeBundleDepth RuntimeErrorCode = "BUNDLE_DEPTH"

	// ErrCodeOutputNotStored indicates the execution's variables have no
	// JSON form, so its result could not be persisted.
	ErrCodeOutputNotStored RuntimeErrorCode = "OUTPUT_NOT_STORED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.ExecutionID != "" && e.NodeID != "" {
		return fmt.Sprintf("%s: %s (execution=%s, node=%s)", e.Code, msg, e.ExecutionID, e.NodeID)
	}
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, msg, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsCycleError returns true if the error is a cycle detection error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCycleDetected
	}
	return false
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Matches both RuntimeError with ErrCodeQuotaExceeded and StepsExceededError.
func IsQuotaError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) && re.Code == ErrCodeQuotaExceeded {
		return true
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(executionID string, err *StepsExceededError) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeQuotaExceeded,
		Message:     fmt.Sprintf("execution exceeded max steps (%d > %d)", err.Steps, err.Limit),
		ExecutionID: executionID,
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", err.Steps),
			"max_steps": fmt.Sprintf("%d", err.Limit),
		},
		Err: err,
	}
}

// NonRetriableError marks an error that must not be retried by the job
// queue.
type NonRetriableError struct {
	Err error
}

// Error implements the error interface.
func (e *NonRetriableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *NonRetriableError) Unwrap() error {
	return e.Err
}

// NonRetriable wraps err so IsNonRetriable reports true. Nil stays nil.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

// retrier is implemented by errors that know whether a retry could help
// (node configuration errors, CRM client errors, HTTP status errors).
type retrier interface {
	Retriable() bool
}

// IsNonRetriable reports whether err should fail a queued job without
// further attempts. Node failures are retriable unless their cause says
// otherwise; every other runtime error is permanent.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var nr *NonRetriableError
	if errors.As(err, &nr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var r retrier
	if errors.As(err, &r) && !r.Retriable() {
		return true
	}
	// A bundle's failure surfaces as NODE_FAILED of the BUNDLE node; look
	// through the whole chain for a permanent runtime error.
	for e := err; e != nil; e = errors.Unwrap(e) {
		if re, ok := e.(*RuntimeError); ok && re.Code != ErrCodeNodeFailed {
			return true
		}
	}
	return false
}
