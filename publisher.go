package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the resilient write path. Every publish goes through the
// circuit breaker and the retry decorator; events that cannot be delivered are
// held in a bounded offline buffer and flushed after the next success.
// Broker unavailability is never returned as an error: Publish reports it as a
// false result.
type Publisher struct {
	broker   Broker
	breaker  *CircuitBreaker
	buffer   *OfflineBuffer
	fallback *DiskFallback
	retry    RetryConfig
	source   string
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	flushing atomic.Bool
	wg       sync.WaitGroup
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*publisherSettings)

type publisherSettings struct {
	breakerOpts []BreakerOption
	now         func() time.Time
}

// WithBreakerOptions passes opts to the publisher's circuit breaker.
func WithBreakerOptions(opts ...BreakerOption) PublisherOption {
	return func(s *publisherSettings) { s.breakerOpts = append(s.breakerOpts, opts...) }
}

// WithPublisherClock replaces time.Now for envelope stamping and the breaker.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(s *publisherSettings) { s.now = now }
}

// NewPublisher builds a publisher over broker. fallback receives buffer
// evictions and the buffer contents on Close for the kinds it covers; it may be
// nil, in which case those events are dropped.
func NewPublisher(broker Broker, cfg Config, fallback *DiskFallback, opts ...PublisherOption) *Publisher {
	s := publisherSettings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	p := &Publisher{
		broker:   broker,
		buffer:   NewOfflineBuffer(cfg.Buffer),
		fallback: fallback,
		retry:    cfg.Retry,
		source:   cfg.Source,
		logger:   logger.With("component", "publisher"),
		metrics:  metrics,
		now:      s.now,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	breakerOpts := append([]BreakerOption{
		WithClock(s.now),
		OnStateChange(p.circuitChanged),
	}, s.breakerOpts...)
	p.breaker = NewCircuitBreaker(cfg.Circuit, breakerOpts...)
	return p
}

func (p *Publisher) circuitChanged(from, to CircuitState) {
	p.metrics.CircuitStateChanged(to)
	if to == StateOpen {
		p.logger.Warn("circuit breaker opened", "from", from, "retry_at", p.breaker.NextAttemptAt())
		return
	}
	p.logger.Info("circuit breaker state changed", "from", from, "to", to)
}

// Publish delivers env to q. It returns true when the broker accepted the
// event and false when the event was buffered instead. The error is non-nil
// only for invalid input or a closed publisher.
func (p *Publisher) Publish(ctx context.Context, q Queue, env Envelope) (bool, error) {
	if p.isClosed() {
		return false, ErrPublisherClosed
	}
	if err := ValidateEnvelope(q, env); err != nil {
		return false, err
	}
	env = env.withDefaults(p.now(), p.source)

	if p.breaker.State() == StateOpen {
		p.bufferEvent(q, env, ErrCircuitOpen)
		return false, nil
	}
	start := p.now()
	if err := p.send(ctx, q, env); err != nil {
		p.bufferEvent(q, env, err)
		return false, nil
	}
	p.metrics.EventPublished(q)
	p.metrics.PublishLatency(q, p.now().Sub(start))

	if p.buffer.Len() > 0 {
		p.flushAsync()
	}
	return true, nil
}

// TryPublish attempts delivery like Publish but never buffers: a failed
// publish is returned to the caller. The replay tool uses it so undeliverable
// lines stay in their overflow file.
func (p *Publisher) TryPublish(ctx context.Context, q Queue, env Envelope) error {
	if p.isClosed() {
		return ErrPublisherClosed
	}
	if err := ValidateEnvelope(q, env); err != nil {
		return err
	}
	env = env.withDefaults(p.now(), p.source)
	if p.breaker.State() == StateOpen {
		return ErrCircuitOpen
	}
	start := p.now()
	if err := p.send(ctx, q, env); err != nil {
		return err
	}
	p.metrics.EventPublished(q)
	p.metrics.PublishLatency(q, p.now().Sub(start))
	return nil
}

// send runs the retry decorator around a breaker-guarded broker publish. The
// attempt timeout is enforced by the breaker so an overrun is counted before
// the next attempt starts.
func (p *Publisher) send(ctx context.Context, q Queue, env Envelope) error {
	policy := RetryPolicyFrom(p.retry)
	policy.Timeout = 0
	policy.Abort = func(err error) bool { return errors.Is(err, ErrCircuitOpen) }
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.logger.Debug("publish attempt failed", "queue", q, "id", env.ID, "attempt", attempt, "wait", wait, "err", err)
	}
	return Retry(ctx, policy, func(actx context.Context) error {
		return p.breaker.CallTimeout(actx, p.retry.Timeout, func(cctx context.Context) error {
			return p.broker.Publish(cctx, q, env, PublishOptions{})
		})
	})
}

// bufferEvent holds env for a later flush. Once Close has started the buffer
// is never drained again, so the event goes to the disk fallback instead.
func (p *Publisher) bufferEvent(q Queue, env Envelope, cause error) {
	ev := BufferedEvent{Queue: q, Envelope: env, BufferedAt: p.now()}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.logger.Warn("publisher closing, event sent to disk fallback", "queue", q, "id", env.ID, "cause", cause)
		p.spill(ev, DropShutdown)
		return
	}
	evicted, full := p.buffer.Push(ev)
	p.mu.RUnlock()
	p.metrics.EventBuffered(q)
	p.metrics.BufferDepth(p.buffer.Len())
	p.logger.Debug("event buffered", "queue", q, "id", env.ID, "cause", cause)
	if full {
		p.logger.Warn("offline buffer full, evicted oldest event",
			"capacity", p.buffer.Cap(), "queue", evicted.Queue, "id", evicted.Envelope.ID)
		p.spill(evicted, DropEvicted)
	}
}

// spill writes ev to the disk fallback when it covers ev's kind, and otherwise
// counts it as dropped for reason.
func (p *Publisher) spill(ev BufferedEvent, reason string) error {
	if !p.fallback.Covers(ev.Envelope.Kind()) {
		p.metrics.EventDropped(ev.Queue, reason)
		return nil
	}
	if err := p.fallback.Append(ev.Envelope); err != nil {
		p.metrics.EventDropped(ev.Queue, DropDiskWrite)
		p.logger.Error("disk overflow write failed, event lost", "queue", ev.Queue, "id", ev.Envelope.ID, "err", err)
		return err
	}
	p.metrics.EventSpilled(ev.Queue)
	return nil
}

// flushAsync starts a background flush unless one is already running.
func (p *Publisher) flushAsync() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || !p.flushing.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.flushing.Store(false)
		p.Flush(p.ctx)
	}()
}

// Flush republishes buffered events oldest first. It stops at the first
// failure and re-buffers that event and everything after it. It returns the
// number of events delivered.
func (p *Publisher) Flush(ctx context.Context) int {
	entries := p.buffer.Drain()
	p.metrics.BufferDepth(p.buffer.Len())
	if len(entries) == 0 {
		return 0
	}
	sent := 0
	for i, ev := range entries {
		if p.breaker.State() == StateOpen {
			p.rebuffer(entries[i:])
			break
		}
		if err := p.send(ctx, ev.Queue, ev.Envelope); err != nil {
			p.logger.Debug("flush stopped", "id", ev.Envelope.ID, "err", err)
			p.rebuffer(entries[i:])
			break
		}
		p.metrics.EventPublished(ev.Queue)
		sent++
	}
	p.logger.Info("offline buffer flushed", "sent", sent, "remaining", p.buffer.Len())
	return sent
}

func (p *Publisher) rebuffer(entries []BufferedEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ev := range entries {
		if p.closed {
			p.spill(ev, DropShutdown)
			continue
		}
		if evicted, full := p.buffer.Push(ev); full {
			p.logger.Warn("offline buffer full, evicted oldest event",
				"capacity", p.buffer.Cap(), "queue", evicted.Queue, "id", evicted.Envelope.ID)
			p.spill(evicted, DropEvicted)
		}
	}
	p.metrics.BufferDepth(p.buffer.Len())
}

// Close stops background flushing and spills whatever is still buffered to
// the disk fallback. It does not disconnect the broker. Close is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	var errs []error
	spilled := 0
	for _, ev := range p.buffer.Drain() {
		if err := p.spill(ev, DropShutdown); err != nil {
			errs = append(errs, err)
			continue
		}
		if p.fallback.Covers(ev.Envelope.Kind()) {
			spilled++
		}
	}
	p.metrics.BufferDepth(0)
	if spilled > 0 {
		p.logger.Info("spilled buffered events to disk", "count", spilled)
	}
	return errors.Join(errs...)
}

func (p *Publisher) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// BufferedCount returns the number of events in the offline buffer.
func (p *Publisher) BufferedCount() int { return p.buffer.Len() }

// Buffered returns the buffered events oldest first.
func (p *Publisher) Buffered() []BufferedEvent { return p.buffer.Snapshot() }

// CircuitState returns the breaker state.
func (p *Publisher) CircuitState() CircuitState { return p.breaker.State() }

// Breaker exposes the circuit breaker for inspection.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// Connected reports whether the underlying broker connection is open.
func (p *Publisher) Connected() bool { return p.broker.IsOpen() }

// Fallback returns the disk fallback, which may be nil.
func (p *Publisher) Fallback() *DiskFallback { return p.fallback }
