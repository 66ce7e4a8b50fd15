package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Delay: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("attempt failed")
	})
	require.EqualError(t, err, "attempt failed")
	assert.Equal(t, 3, calls)
}

func TestRetrySingleAttempt(t *testing.T) {
	for _, attempts := range []int{0, 1} {
		calls := 0
		err := Retry(context.Background(), RetryPolicy{Attempts: attempts}, failing(&calls))
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, calls, "attempts=%d", attempts)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	var waits []time.Duration
	var attempts []int
	calls := 0
	Retry(context.Background(), RetryPolicy{
		Attempts: 4,
		Delay:    2 * time.Millisecond,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			attempts = append(attempts, attempt)
			waits = append(waits, wait)
		},
	}, failing(&calls))

	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, waits)
}

func TestRetryAbort(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		Attempts: 5,
		Delay:    time.Millisecond,
		Abort:    func(err error) bool { return errors.Is(err, ErrCircuitOpen) },
	}, func(context.Context) error {
		calls++
		if calls == 2 {
			return ErrCircuitOpen
		}
		return errBoom
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestRetryAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Delay: time.Millisecond, Timeout: 20 * time.Millisecond},
		func(ctx context.Context) error {
			calls.Add(1)
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return ctx.Err()
		})
	require.ErrorIs(t, err, ErrPublishTimeout)
	assert.Equal(t, int32(2), calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 10, Delay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
