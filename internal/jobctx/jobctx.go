// Package jobctx carries per-execution job information through context.Context and
// defines the error wrappers job code uses to steer retries.
package jobctx

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type infoKey struct{}

// Info describes the attempt a job body is running under.
type Info struct {
	ID          string
	Type        string
	Queue       string
	Attempt     int
	MaxAttempts int
}

// WithInfo attaches info to ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the info of the running job, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// JobID returns the running job's ID or "" outside a job.
func JobID(ctx context.Context) string {
	info, _ := FromContext(ctx)
	return info.ID
}

// CancelError is returned by a job that cancels itself. It is not a failure:
// the job ends cancelled and is never retried.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "job cancelled"
	}
	return "job cancelled: " + e.Reason
}

// Cancel returns the cancellation result for a job body.
func Cancel(reason string) error {
	return &CancelError{Reason: reason}
}

// IsCancel reports whether err is (or wraps) a cancellation result.
func IsCancel(err error) bool {
	var ce *CancelError
	return errors.As(err, &ce)
}

// NoRetryError marks a failure that retrying cannot fix.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps err so the job goes straight to the dead-letter set.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError asks for the next attempt after a specific delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps err so the next attempt waits d instead of the computed backoff.
// The attempt budget still applies.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
