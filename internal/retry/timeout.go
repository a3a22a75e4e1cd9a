package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("retry: operation timed out")

// TimeoutError reports an operation that lost the race against its deadline.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("operation timed out after %s", e.After)
	}
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WithTimeout races op against a timer. When the timer wins the returned
// error is a *TimeoutError and op's context is cancelled.
func WithTimeout[T any](ctx context.Context, name string, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(opCtx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return zero, &TimeoutError{Operation: name, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
