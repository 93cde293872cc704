package engine

import (
	"errors"
	"fmt"
	"time"
)

var ErrOverlapSkip = errors.New("unit skipped: previous run still active")

// PanicError is a recovered panic of a unit.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// ExecutionError is the isolated failure of one dispatched unit.
type ExecutionError struct {
	EntryID   string
	BindingID string
	Err       error
}

func (e *ExecutionError) Error() string { return e.EntryID + ": " + e.Err.Error() }
func (e *ExecutionError) Unwrap() error { return e.Err }

// NoRetry marks an error as permanent so a configured retry policy stops early.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter hints the delay before the next retry (bounded by RetryMaxDelay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
