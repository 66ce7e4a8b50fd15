package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy parameterizes Retry.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the wait before the second attempt; it doubles after each
	// further failure (Delay * 2^(attempt-1)).
	Delay time.Duration
	// Timeout bounds each attempt. Zero disables the per-attempt bound.
	Timeout time.Duration
	// Abort stops retrying when it returns true for an attempt's error.
	Abort func(error) bool
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// RetryPolicyFrom builds a policy from config.
func RetryPolicyFrom(cfg RetryConfig) RetryPolicy {
	return RetryPolicy{Attempts: cfg.Attempts, Delay: cfg.Delay, Timeout: cfg.Timeout}
}

// Retry runs attempt until it succeeds, the policy's attempts are exhausted,
// Abort matches, or ctx is done. Each attempt is raced against the policy
// timeout; an attempt that loses the race yields ErrPublishTimeout and counts
// as a failure. The last attempt's error is returned.
func Retry(ctx context.Context, p RetryPolicy, attempt func(context.Context) error) error {
	if p.Attempts <= 1 {
		// WithMaxRetries treats zero as "no limit".
		return runAttempt(ctx, p.Timeout, attempt)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Delay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.Delay << uint(min(p.Attempts, 30))
	exp.MaxElapsedTime = 0

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), stopCtx)

	var (
		n       int
		lastErr error
	)
	op := func() error {
		n++
		lastErr = runAttempt(ctx, p.Timeout, attempt)
		if lastErr != nil && p.Abort != nil && p.Abort(lastErr) {
			stop()
		}
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(n, err, wait)
		}
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// runAttempt races attempt against timeout. The attempt keeps running in the
// background if it loses; its context is cancelled so cooperative work stops.
func runAttempt(ctx context.Context, timeout time.Duration, attempt func(context.Context) error) error {
	if timeout <= 0 {
		return attempt(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- attempt(actx)
	}()
	select {
	case err := <-done:
		return err
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrPublishTimeout, timeout)
		}
		return actx.Err()
	}
}
