package browserd

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means no driver instance could be acquired.
	ErrUnavailable = errors.New("browser driver unavailable")

	// ErrClosed is returned for operations on a closed driver.
	ErrClosed = errors.New("browser driver closed")

	// ErrTimeout indicates an operation exceeded its per-call timeout.
	// Treated identically to a driver error for retry purposes.
	ErrTimeout = errors.New("browser driver operation timeout")
)

// DriverError wraps failures from the remote driver daemon.
type DriverError struct {
	Code    string
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("driver error [%s]: %s", e.Code, e.Message)
}

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError creates a DriverError.
func NewDriverError(code, message string) *DriverError {
	return &DriverError{Code: code, Message: message}
}

// WrapDriverError wraps err with driver context.
func WrapDriverError(code, message string, err error) *DriverError {
	return &DriverError{Code: code, Message: message, Err: err}
}
