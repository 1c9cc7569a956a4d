// Package retry implements the fixed-backoff retry policy applied to
// exchange-transient errors.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ExchangePolicy is the 2x-fixed-backoff policy for generic exchange
// transient errors (500, rate limit, timeout).
var ExchangePolicy = Policy{
	MaxAttempts:    3, // the initial attempt plus 2 retries
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether err is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn, retrying per policy while isTransient(err) is true. Backoff is
// fixed (not doubled) per call but jittered to avoid synchronized retries
// across symbols; ctx cancellation aborts the wait immediately.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		backoff := policy.InitialBackoff
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
		jitter := time.Duration(0)
		if backoff > 0 {
			jitter = time.Duration(rand.Int63n(int64(backoff) / 2 + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return err
}
