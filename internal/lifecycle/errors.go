package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobExecution marks a failure raised by (or on behalf of) job code.
	ErrJobExecution = errors.New("job execution error")
	// ErrTimeout marks an attempt that outlived its deadline. It wraps ErrJobExecution.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrJobExecution)
)

// ExecutionError records a failed attempt.
type ExecutionError struct {
	JobID   string
	JobType string
	Attempt int
	Timeout time.Duration // non-zero when the attempt timed out
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s attempt %d timed out after %s", e.JobType, e.Attempt, e.Timeout)
	}
	return fmt.Sprintf("%s attempt %d failed: %v", e.JobType, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool {
	if target == ErrJobExecution {
		return true
	}
	return target == ErrTimeout && e.Timeout > 0
}

// PanicError is the failure recorded when job code panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
