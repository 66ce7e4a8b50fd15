package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBroker is an in-process Broker. Each queue keeps one backlog per
// consumer group: registrations sharing a group compete for that backlog and
// each group sees every message. Messages published before any group exists are
// held and handed to the first group that registers.
//
// Outages can be simulated with SetAvailable and slow brokers with
// SetPublishDelay.
type MemoryBroker struct {
	logger *slog.Logger

	mu         sync.Mutex
	queues     map[Queue]*memQueue
	connected  bool
	available  bool
	delay      time.Duration
	publishErr error
	wg         sync.WaitGroup

	publishCalls atomic.Int64
	acked        atomic.Int64
	nacked       atomic.Int64
}

var _ Broker = (*MemoryBroker)(nil)
var _ QueueStatter = (*MemoryBroker)(nil)

type memQueue struct {
	held   []Delivery
	groups map[string]*memGroup
}

type memGroup struct {
	mu        sync.Mutex
	cond      *sync.Cond
	backlog   []Delivery
	consumers int
	inFlight  int
	closed    bool
}

type memConsumer struct {
	stopped bool
}

// NewMemoryBroker returns an available, disconnected broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		logger:    logger.With("component", "broker"),
		queues:    make(map[Queue]*memQueue),
		available: true,
	}
}

// SetAvailable simulates the broker going down or coming back. Going down
// drops the connection.
func (b *MemoryBroker) SetAvailable(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = up
	if !up {
		b.connected = false
	}
}

// SetPublishDelay makes every publish wait d, or until its context ends.
func (b *MemoryBroker) SetPublishDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// SetPublishError makes every publish fail with err; nil clears it.
func (b *MemoryBroker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// PublishCalls returns how many times Publish reached the broker.
func (b *MemoryBroker) PublishCalls() int64 { return b.publishCalls.Load() }

// Acked returns the number of deliveries whose handler succeeded.
func (b *MemoryBroker) Acked() int64 { return b.acked.Load() }

// Nacked returns the number of deliveries rejected without requeue.
func (b *MemoryBroker) Nacked() int64 { return b.nacked.Load() }

func (b *MemoryBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if !b.available {
		return &ConnectionError{Op: "connect", Err: ErrNotConnected}
	}
	b.connected = true
	for _, q := range Queues() {
		b.queueLocked(q)
	}
	return nil
}

func (b *MemoryBroker) queueLocked(q Queue) *memQueue {
	mq, ok := b.queues[q]
	if !ok {
		mq = &memQueue{groups: make(map[string]*memGroup)}
		b.queues[q] = mq
	}
	return mq
}

// Disconnect stops every consumer and waits for in-flight handlers.
func (b *MemoryBroker) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	for _, mq := range b.queues {
		for _, g := range mq.groups {
			g.mu.Lock()
			g.closed = true
			g.cond.Broadcast()
			g.mu.Unlock()
		}
		mq.groups = make(map[string]*memGroup)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *MemoryBroker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *MemoryBroker) Publish(ctx context.Context, q Queue, env Envelope, opts PublishOptions) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	b.mu.Lock()
	if !b.connected && b.available {
		b.connected = true
	}
	connected, delay, failWith := b.connected, b.delay, b.publishErr
	b.mu.Unlock()
	if !connected {
		return &ConnectionError{Op: "publish", Err: ErrNotConnected}
	}
	b.publishCalls.Add(1)

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if failWith != nil {
		return failWith
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	d := Delivery{
		Queue:     q,
		Body:      body,
		Headers:   map[string]string{"routing-key": q.RoutingKey(), "correlation-id": env.CorrelationID},
		Timestamp: time.Now(),
	}
	for k, v := range opts.Headers {
		d.Headers[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queueLocked(q)
	if len(mq.groups) == 0 {
		mq.held = append(mq.held, d)
		return nil
	}
	for _, g := range mq.groups {
		g.push(d)
	}
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, q Queue, h DeliveryHandler, opts ConsumeOptions) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if err := b.Connect(ctx); err != nil {
		return err
	}
	name := opts.Group
	if name == "" {
		name = string(q)
	}

	b.mu.Lock()
	mq := b.queueLocked(q)
	g, ok := mq.groups[name]
	if !ok {
		g = &memGroup{}
		g.cond = sync.NewCond(&g.mu)
		if len(mq.groups) == 0 && opts.Durable {
			g.backlog, mq.held = mq.held, nil
		}
		mq.groups[name] = g
	}
	g.mu.Lock()
	g.consumers++
	g.mu.Unlock()
	b.wg.Add(1)
	b.mu.Unlock()

	c := &memConsumer{}
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		c.stopped = true
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	go func() {
		defer b.wg.Done()
		defer stop()
		b.runConsumer(ctx, g, c, h, opts.NoAck)
	}()
	return nil
}

func (b *MemoryBroker) runConsumer(ctx context.Context, g *memGroup, c *memConsumer, h DeliveryHandler, noAck bool) {
	defer func() {
		g.mu.Lock()
		g.consumers--
		g.mu.Unlock()
	}()
	for {
		d, ok := g.next(c)
		if !ok {
			return
		}
		err := h(ctx, d)
		switch {
		case noAck:
		case err != nil:
			b.nacked.Add(1)
			b.logger.Debug("delivery rejected without requeue", "queue", d.Queue, "err", err)
		default:
			b.acked.Add(1)
		}
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}
}

func (g *memGroup) push(d Delivery) {
	g.mu.Lock()
	g.backlog = append(g.backlog, d)
	g.cond.Signal()
	g.mu.Unlock()
}

func (g *memGroup) next(c *memConsumer) (Delivery, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.backlog) == 0 && !g.closed && !c.stopped {
		g.cond.Wait()
	}
	if g.closed || c.stopped {
		return Delivery{}, false
	}
	d := g.backlog[0]
	g.backlog[0] = Delivery{}
	g.backlog = g.backlog[1:]
	g.inFlight++
	return d, true
}

// QueueStats reports, per queue, messages not yet handed to a handler and the
// number of running consumers.
func (b *MemoryBroker) QueueStats(context.Context) (map[Queue]QueueStat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(map[Queue]QueueStat, len(b.queues))
	for q, mq := range b.queues {
		st := QueueStat{Messages: int64(len(mq.held))}
		for _, g := range mq.groups {
			g.mu.Lock()
			st.Messages += int64(len(g.backlog))
			st.Consumers += g.consumers
			g.mu.Unlock()
		}
		stats[q] = st
	}
	return stats, nil
}
