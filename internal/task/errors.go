package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation  = errors.New("task: validation failed")
	ErrNotFound    = errors.New("task: not found")
	ErrUnavailable = errors.New("task: action unavailable")
	ErrUnbound     = errors.New("task: not bound to a store")
	ErrSuperseded  = errors.New("task: claim superseded")
)

// RetryAfter marks a handler error as transient.
//
// The runner treats it like Fail(now+after): fails is incremented and the task
// is rescheduled instead of being locked immediately.
//
// Example:
//
//	return task.RetryAfter(fmt.Errorf("upstream 503: %w", err), time.Minute)
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// AsRetryAfter reports whether err requests a delayed retry, and the delay.
func AsRetryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
