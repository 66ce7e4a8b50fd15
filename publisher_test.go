package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	mu        sync.Mutex
	published map[Queue]int
	buffered  map[Queue]int
	spilled   map[Queue]int
	dropped   map[string]int
	handled   map[string]int
	states    []CircuitState
	depth     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		published: map[Queue]int{},
		buffered:  map[Queue]int{},
		spilled:   map[Queue]int{},
		dropped:   map[string]int{},
		handled:   map[string]int{},
	}
}

func (m *recordingMetrics) EventPublished(q Queue) { m.inc(func() { m.published[q]++ }) }
func (m *recordingMetrics) EventBuffered(q Queue)  { m.inc(func() { m.buffered[q]++ }) }
func (m *recordingMetrics) EventSpilled(q Queue)   { m.inc(func() { m.spilled[q]++ }) }
func (m *recordingMetrics) EventDropped(q Queue, reason string) {
	m.inc(func() { m.dropped[reason]++ })
}
func (m *recordingMetrics) PublishLatency(Queue, time.Duration) {}
func (m *recordingMetrics) CircuitStateChanged(s CircuitState) {
	m.inc(func() { m.states = append(m.states, s) })
}
func (m *recordingMetrics) HandlerResult(q Queue, role, outcome string) {
	m.inc(func() { m.handled[role+"/"+outcome]++ })
}
func (m *recordingMetrics) BufferDepth(n int) { m.inc(func() { m.depth = n }) }

func (m *recordingMetrics) inc(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *recordingMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) Handled(role, outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled[role+"/"+outcome]
}

// scriptedBroker fails publishes according to a per-call script; calls past
// the end of the script succeed.
type scriptedBroker struct {
	mu     sync.Mutex
	script []error
	calls  int
	sent   []Envelope
}

func (b *scriptedBroker) Connect(context.Context) error { return nil }
func (b *scriptedBroker) Disconnect() error             { return nil }
func (b *scriptedBroker) IsOpen() bool                  { return true }
func (b *scriptedBroker) Consume(context.Context, Queue, DeliveryHandler, ConsumeOptions) error {
	return errors.New("not supported")
}

func (b *scriptedBroker) Publish(_ context.Context, _ Queue, env Envelope, _ PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i < len(b.script) && b.script[i] != nil {
		return b.script[i]
	}
	b.sent = append(b.sent, env)
	return nil
}

func (b *scriptedBroker) Sent() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.sent...)
}

func TestPublisherDelivers(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(t, WithSourceName("auth-service"))
	broker := NewMemoryBroker(discardLogger())
	defer broker.Disconnect()
	p := NewPublisher(broker, cfg, nil, WithPublisherClock(clock.Now))
	defer p.Close()

	got := make(chan Delivery, 1)
	require.NoError(t, broker.Consume(context.Background(), QueueAuditLog, func(_ context.Context, d Delivery) error {
		got <- d
		return nil
	}, ConsumeOptions{Durable: true}))

	ok, err := p.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case d := <-got:
		var env Envelope
		require.NoError(t, json.Unmarshal(d.Body, &env))
		assert.True(t, clock.Now().Equal(env.Timestamp))
		assert.Equal(t, "auth-service", env.Source)
		assert.Equal(t, env.ID, env.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}
	assert.Equal(t, StateClosed, p.CircuitState())
	assert.Zero(t, p.BufferedCount())
}

func TestPublisherBuffersAfterRetriesExhausted(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishError(errBrokerDown)
	p := NewPublisher(broker, testConfig(t), nil)
	defer p.Close()

	ok, err := p.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), broker.PublishCalls())
	assert.Equal(t, 3, p.Breaker().Failures())
	assert.Equal(t, 1, p.BufferedCount())
	assert.Equal(t, StateClosed, p.CircuitState())
}

func TestPublisherOpenCircuitSkipsBroker(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishError(errBrokerDown)
	metrics := newRecordingMetrics()
	p := NewPublisher(broker, testConfig(t, WithMetrics(metrics)), nil)
	defer p.Close()
	ctx := context.Background()

	ok, _ := p.Publish(ctx, QueueAuditLog, auditEnvelope("one"))
	require.False(t, ok)
	ok, _ = p.Publish(ctx, QueueAuditLog, auditEnvelope("two"))
	require.False(t, ok)
	require.Equal(t, StateOpen, p.CircuitState())
	require.Equal(t, int64(5), broker.PublishCalls())

	ok, err := p.Publish(ctx, QueueAuditLog, auditEnvelope("three"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(5), broker.PublishCalls(), "open breaker must not reach the broker")
	assert.Equal(t, 3, p.BufferedCount())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []CircuitState{StateOpen}, metrics.states)
	assert.Equal(t, 3, metrics.buffered[QueueAuditLog])
}

func TestPublisherRecoversAndFlushes(t *testing.T) {
	clock := newFakeClock()
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishError(errBrokerDown)
	p := NewPublisher(broker, testConfig(t), nil, WithPublisherClock(clock.Now))
	defer p.Close()
	ctx := context.Background()

	for _, action := range []string{"a", "b", "c"} {
		p.Publish(ctx, QueueAuditLog, auditEnvelope(action))
	}
	require.Equal(t, StateOpen, p.CircuitState())
	require.Equal(t, int64(5), broker.PublishCalls())

	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, p.CircuitState())
	broker.SetPublishError(nil)

	ok, err := p.Publish(ctx, QueueAuditLog, auditEnvelope("d"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateClosed, p.CircuitState())
	assert.Zero(t, p.Breaker().Failures())

	require.Eventually(t, func() bool { return p.BufferedCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(9), broker.PublishCalls())

	stats, err := broker.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats[QueueAuditLog].Messages)
}

func TestPublisherFlushStopsAtFirstFailure(t *testing.T) {
	broker := &scriptedBroker{script: []error{errBrokerDown, errBrokerDown, errBrokerDown, nil, errBrokerDown}}
	p := NewPublisher(broker, testConfig(t, WithRetry(1, 0, time.Second)), nil)
	defer p.Close()
	ctx := context.Background()

	var ids []string
	for _, action := range []string{"a", "b", "c"} {
		env := auditEnvelope(action)
		ids = append(ids, env.ID)
		ok, err := p.Publish(ctx, QueueAuditLog, env)
		require.NoError(t, err)
		require.False(t, ok)
	}

	assert.Equal(t, 1, p.Flush(ctx))
	buffered := p.Buffered()
	require.Len(t, buffered, 2)
	assert.Equal(t, ids[1], buffered[0].Envelope.ID)
	assert.Equal(t, ids[2], buffered[1].Envelope.ID)
	require.Len(t, broker.Sent(), 1)
	assert.Equal(t, ids[0], broker.Sent()[0].ID)

	assert.Equal(t, 2, p.Flush(ctx))
	assert.Zero(t, p.BufferedCount())
}

func TestPublisherAttemptTimeout(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishDelay(time.Second)
	p := NewPublisher(broker, testConfig(t, WithRetry(1, 0, 20*time.Millisecond)), nil)
	defer p.Close()

	start := time.Now()
	ok, err := p.Publish(context.Background(), QueueAuditLog, auditEnvelope("slow"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, p.BufferedCount())
	assert.Equal(t, 1, p.Breaker().Failures(), "timeout counted while the send is still running")
}

func TestPublisherTimeoutOpensBreakerBeforeNextAttempt(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishDelay(300 * time.Millisecond)
	cfg := testConfig(t, WithRetry(3, time.Millisecond, 20*time.Millisecond), WithCircuitBreaker(1, time.Hour, time.Hour))
	p := NewPublisher(broker, cfg, nil)
	defer p.Close()

	ok, err := p.Publish(context.Background(), QueueAuditLog, auditEnvelope("stalled"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), broker.PublishCalls(), "open breaker stops the remaining attempts")
	assert.Equal(t, StateOpen, p.CircuitState())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateOpen, p.CircuitState(), "the stalled send completing does not close the breaker")
}

func TestPublisherEvictionSpillsAuditToDisk(t *testing.T) {
	cfg := testConfig(t, WithBufferCapacity(2), WithRetry(1, 0, time.Second))
	fallback, err := NewDiskFallback(cfg.Overflow)
	require.NoError(t, err)
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishError(errBrokerDown)
	metrics := newRecordingMetrics()
	cfg.Metrics = metrics
	p := NewPublisher(broker, cfg, fallback)
	ctx := context.Background()

	first := auditEnvelope("first")
	p.Publish(ctx, QueueAuditLog, first)
	p.Publish(ctx, QueueAuditLog, auditEnvelope("second"))
	p.Publish(ctx, QueueUserEvents, NewEnvelope(ctx, UserEvent{Type: UserCreated, UserID: "u"}))
	p.Publish(ctx, QueueAuditLog, auditEnvelope("third"))

	lines := readLines(t, fallback.AuditPath())
	require.Len(t, lines, 2)
	var spilled Envelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &spilled))
	assert.Equal(t, first.ID, spilled.ID)
	assert.False(t, spilled.Timestamp.IsZero())

	require.NoError(t, p.Close())
	assert.Len(t, readLines(t, fallback.AuditPath()), 3, "close spills the remaining audit event")
	assert.Equal(t, 1, metrics.Dropped(DropShutdown), "user event has no disk fallback")
	assert.Zero(t, p.BufferedCount())

	_, err = p.Publish(ctx, QueueAuditLog, auditEnvelope("late"))
	require.ErrorIs(t, err, ErrPublisherClosed)
	require.NoError(t, p.Close())
}

func TestPublisherCloseRacingPublishesLosesNothing(t *testing.T) {
	for round := 0; round < 10; round++ {
		cfg := testConfig(t, WithCircuitBreaker(1, time.Hour, time.Hour), WithBufferCapacity(10000))
		fallback, err := NewDiskFallback(cfg.Overflow)
		require.NoError(t, err)
		broker := NewMemoryBroker(discardLogger())
		broker.SetPublishError(errBrokerDown)
		p := NewPublisher(broker, cfg, fallback)
		ctx := context.Background()

		var (
			mu       sync.Mutex
			accepted = map[string]bool{}
			count    atomic.Int32
			wg       sync.WaitGroup
		)
		opener := auditEnvelope("opener")
		ok, err := p.Publish(ctx, QueueAuditLog, opener)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, StateOpen, p.CircuitState())
		accepted[opener.ID] = true

		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					env := auditEnvelope("concurrent")
					if _, err := p.Publish(ctx, QueueAuditLog, env); err != nil {
						return
					}
					mu.Lock()
					accepted[env.ID] = true
					mu.Unlock()
					count.Add(1)
				}
			}()
		}
		require.Eventually(t, func() bool { return count.Load() >= 40 }, 2*time.Second, time.Millisecond)
		require.NoError(t, p.Close())
		wg.Wait()

		assert.Zero(t, p.BufferedCount(), "round %d", round)
		onDisk := map[string]bool{}
		for _, line := range readLines(t, fallback.AuditPath()) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(line), &env))
			onDisk[env.ID] = true
		}
		require.Equal(t, accepted, onDisk, "round %d", round)
	}
}

func TestPublisherRejectsInvalidInput(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	p := NewPublisher(broker, testConfig(t), nil)
	defer p.Close()
	ctx := context.Background()

	_, err := p.Publish(ctx, QueueUserEvents, auditEnvelope("login"))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
	_, err = p.Publish(ctx, Queue("billing"), auditEnvelope("login"))
	require.ErrorIs(t, err, ErrUnknownQueue)
	assert.Zero(t, broker.PublishCalls())
	assert.Zero(t, p.BufferedCount())
}

func TestPublisherTryPublishNeverBuffers(t *testing.T) {
	broker := NewMemoryBroker(discardLogger())
	broker.SetPublishError(errBrokerDown)
	p := NewPublisher(broker, testConfig(t, WithRetry(1, 0, time.Second)), nil)
	defer p.Close()

	err := p.TryPublish(context.Background(), QueueAuditLog, auditEnvelope("replayed"))
	require.True(t, IsConnectionError(err))
	assert.Zero(t, p.BufferedCount())

	broker.SetPublishError(nil)
	require.NoError(t, p.TryPublish(context.Background(), QueueAuditLog, auditEnvelope("replayed")))
}
