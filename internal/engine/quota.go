package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts node executions within one execution and enforces
// a maximum steps limit.
//
// Each execution has its own enforcer. Bundle child executions count
// against their own quota; the bundle depth limit bounds the nesting.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check increments the step counter and validates against the limit.
// Returns StepsExceededError if the quota is exceeded.
func (q *QuotaEnforcer) Check(executionID string) error {
	q.current++
	if q.current > q.maxSteps {
		return &StepsExceededError{
			ExecutionID: executionID,
			Steps:       q.current,
			Limit:       q.maxSteps,
		}
	}
	return nil
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the maximum steps limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when an execution exceeds the max steps
// quota. The execution terminates as FAILED.
type StepsExceededError struct {
	ExecutionID string
	Steps       int
	Limit       int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("execution %s exceeded max steps quota: %d steps > %d limit",
		e.ExecutionID, e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
