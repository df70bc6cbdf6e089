package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InvocationError wraps a failed agent or reviewer call. It is transient: the
// task is retried up to its retry limit.
type InvocationError struct {
	TaskID string
	Role   string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent %q failed on task %q: %v", e.Role, e.TaskID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// TimeoutError reports a call that exceeded its per-call deadline.
type TimeoutError struct {
	TaskID string
	Stage  string // "invoke" or "review"
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s of task %q timed out after %s", e.Stage, e.TaskID, e.After)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// IsTransient reports whether err should be handled by retrying the task.
func IsTransient(err error) bool {
	var invErr *InvocationError
	var toErr *TimeoutError
	return errors.As(err, &invErr) || errors.As(err, &toErr)
}

// CallWithTimeout runs fn under a child deadline. When the child deadline fires
// while the parent is still live, the error becomes a TimeoutError; parent
// cancellation is returned unchanged.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, taskID, stage string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, &TimeoutError{TaskID: taskID, Stage: stage, After: timeout}
	}
	return out, err
}
