package netx

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryOptions configures retry count and exponential backoff behavior.
//
// Retries is the number of retries after the first attempt, so zero means a
// single attempt. BaseDelay is the initial backoff and MaxDelay caps each
// computed delay before jitter is added.
type RetryOptions struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 300 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	return o
}

// Permanent marks err so RetryOperation returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryOperation executes fn until success, a permanent error, context
// cancellation, or retries are exhausted.
//
// Errors wrapped with Permanent stop the loop and are returned unwrapped.
// Between attempts it sleeps with exponential backoff plus jitter, waking early
// when ctx is done.
func RetryOperation[T any](ctx context.Context, opts RetryOptions, fn func(attempt int) (T, error)) (T, error) {
	opts = opts.withDefaults()
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		lastErr = err
		if attempt >= opts.Retries {
			break
		}

		timer := time.NewTimer(backoffWithJitter(opts, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		return zero, fmt.Errorf("retry failed without error")
	}
	return zero, lastErr
}

func backoffWithJitter(opts RetryOptions, attempt int) time.Duration {
	d := opts.BaseDelay
	for i := 0; i < attempt && d < opts.MaxDelay; i++ {
		d *= 2
	}
	if d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	j := time.Duration(rand.Int63n(int64(d/4 + 1)))
	return d + j
}
