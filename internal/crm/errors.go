package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by repositories when a record does not exist
// for the requesting tenant.
var ErrNotFound = errors.New("crm: not found")

// Error codes.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeStageMismatch = "STAGE_MISMATCH"
	CodeConflict      = "CONFLICT"
)

// Error is an application-layer error that maps onto an HTTP status.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code == "" {
		return fmt.Sprintf("crm error (status=%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationError(format string, args ...any) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind, id string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", kind),
		Details: map[string]any{"id": id},
	}
}

// IsNotFound reports whether err is a NOT_FOUND application error or
// wraps ErrNotFound.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var ce *Error
	return errors.As(err, &ce) && ce.Code == CodeNotFound
}

// Retriable reports whether repeating the operation could succeed.
// Client errors (4xx) never will.
func (e *Error) Retriable() bool {
	return e.Status >= http.StatusInternalServerError
}
