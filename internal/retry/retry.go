// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Policy describes how many times an operation is retried and how long to
// wait between attempts. The wait before retry i (0-based) is
// min(BaseDelay*Factor^i, MaxDelay), plus up to Jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	Jitter     time.Duration
	// BusyDelay is slept once before retrying a "thread busy" provider error.
	BusyDelay time.Duration
	Logger    *logging.Logger
	// Name labels retry log lines.
	Name string
}

var (
	DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2}
	OpenAIPolicy  = Policy{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Factor: 2, BusyDelay: 2 * time.Second}
)

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.Factor < 1 {
		p.Factor = DefaultPolicy.Factor
	}
	if p.Logger == nil {
		p.Logger = logging.Default()
	}
	return p
}

// Delay returns the wait before the given 0-based retry.
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(retry))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// MaxTotalWait is the upper bound on time spent waiting across all retries, excluding jitter.
func (p Policy) MaxTotalWait() time.Duration {
	var total time.Duration
	for i := 0; i < p.normalized().MaxRetries; i++ {
		total += p.Delay(i)
	}
	return total
}

func (p Policy) backoff() goretry.Backoff {
	attempt := 0
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt)
		attempt++
		return d, false
	})
	if p.Jitter > 0 {
		b = goretry.WithJitter(p.Jitter, b)
	}
	return goretry.WithMaxRetries(uint64(p.MaxRetries), b)
}

type noRetryError struct {
	err error
}

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as permanent: Do returns the original error after the
// current attempt without waiting.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNoRetry reports whether err was marked with NoRetry.
func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

// Do calls op until it succeeds, returns a NoRetry error, the policy is
// exhausted, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.normalized()
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var nr *noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt <= p.MaxRetries {
			p.Logger.Debug("retry: attempt failed",
				"operation", p.Name,
				"attempt", attempt,
				"max_retries", p.MaxRetries,
				"next_delay", p.Delay(attempt-1),
				"error", err,
			)
		}
		return goretry.RetryableError(err)
	})
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
