package eventbus

import (
	"context"
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// MarshalText renders the state as CLOSED, OPEN or HALF_OPEN.
func (s CircuitState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreaker fails fast once a failure threshold is crossed. It performs
// no I/O of its own and is safe for concurrent use.
//
// Transitions:
//   - CLOSED -> OPEN when failures within the monitoring window reach the threshold
//   - OPEN -> HALF_OPEN once the cool-down has elapsed (one trial call is let through)
//   - HALF_OPEN -> CLOSED on the trial's success, HALF_OPEN -> OPEN on its failure
type CircuitBreaker struct {
	mu            sync.Mutex
	state         CircuitState
	failures      int
	windowStart   time.Time
	nextAttemptAt time.Time
	trialInFlight bool

	threshold        int
	timeout          time.Duration
	monitoringPeriod time.Duration
	now              func() time.Time
	onStateChange    func(from, to CircuitState)
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers a callback run after every state transition.
func OnStateChange(fn func(from, to CircuitState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		threshold:        max(cfg.Threshold, 1),
		timeout:          cfg.Timeout,
		monitoringPeriod: cfg.MonitoringPeriod,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Call invokes fn unless the breaker is open, in which case it returns
// ErrCircuitOpen without calling fn. fn's result updates the breaker.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

// CallTimeout is Call with fn bounded by timeout. An overrun counts as a
// failure as soon as the deadline passes; fn is left to finish in the
// background and whatever it returns then is discarded.
func (cb *CircuitBreaker) CallTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return cb.Call(ctx, fn)
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := runAttempt(ctx, timeout, fn)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttemptAt) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	default:
		if cb.monitoringPeriod > 0 && cb.failures > 0 && now.Sub(cb.windowStart) >= cb.monitoringPeriod {
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()
	if err == nil {
		cb.failures = 0
		cb.trialInFlight = false
		cb.state = StateClosed
	} else {
		if cb.failures == 0 {
			cb.windowStart = now
		}
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.trialInFlight = false
			cb.state = StateOpen
			cb.nextAttemptAt = now.Add(cb.timeout)
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State reports the current state. An open breaker whose cool-down has elapsed
// reports HALF_OPEN: the next call will be let through as a trial.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.nextAttemptAt) {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the failure count in the current window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// NextAttemptAt returns when an open breaker lets the next trial through.
func (cb *CircuitBreaker) NextAttemptAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextAttemptAt
}

// Reset forces the breaker closed with a zero failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
	cb.nextAttemptAt = time.Time{}
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
