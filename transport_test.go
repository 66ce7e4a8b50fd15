package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedKafka(t *testing.T) (*KafkaBroker, *mocks.SyncProducer) {
	t.Helper()
	cfg := testConfig(t, WithExchange("events", "test-"))
	b := NewKafkaBroker(cfg)
	producer := mocks.NewSyncProducer(t, nil)
	b.producer = producer
	b.connected.Store(true)
	return b, producer
}

func TestKafkaBrokerPublish(t *testing.T) {
	b, producer := connectedKafka(t)
	env := auditEnvelope("login").withDefaults(time.Now(), "svc")

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Envelope
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != env.ID {
			return fmt.Errorf("sent envelope %s, want %s", got.ID, env.ID)
		}
		return nil
	})
	require.NoError(t, b.Publish(context.Background(), QueueAuditLog, env, PublishOptions{}))
	assert.True(t, b.IsOpen())
	require.NoError(t, b.Disconnect())
	assert.False(t, b.IsOpen())
}

func TestKafkaBrokerPublishUnavailable(t *testing.T) {
	b, producer := connectedKafka(t)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := b.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"), PublishOptions{})
	require.True(t, IsConnectionError(err))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.False(t, b.IsOpen(), "connection loss flips the open flag")
	require.NoError(t, producer.Close())
}

func TestKafkaBrokerPublishRejected(t *testing.T) {
	b, producer := connectedKafka(t)
	producer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	err := b.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"), PublishOptions{})
	require.ErrorIs(t, err, sarama.ErrMessageSizeTooLarge)
	assert.False(t, IsConnectionError(err))
	assert.True(t, b.IsOpen())

	err = b.Publish(context.Background(), Queue("billing"), auditEnvelope("login"), PublishOptions{})
	require.ErrorIs(t, err, ErrUnknownQueue)
	require.NoError(t, producer.Close())
}

func TestMessageHeaders(t *testing.T) {
	env := auditEnvelope("login")
	env.CorrelationID = "req-1"
	headers := messageHeaders(QueueAuditLog, env, map[string]string{"tenant": "acme"})

	got := make(map[string]string, len(headers))
	for _, h := range headers {
		got[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"routing-key":    "audit.log",
		"content-type":   "application/json",
		"event-kind":     "audit",
		"correlation-id": "req-1",
		"tenant":         "acme",
	}, got)
}

func TestTopicExists(t *testing.T) {
	assert.True(t, topicExists(&sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}))
	assert.True(t, topicExists(sarama.ErrTopicAlreadyExists))
	assert.False(t, topicExists(&sarama.TopicError{Err: sarama.ErrInvalidTopic}))
	assert.False(t, topicExists(errors.New("other")))
}

func TestBrokerUnavailable(t *testing.T) {
	assert.True(t, brokerUnavailable(sarama.ErrOutOfBrokers))
	assert.True(t, brokerUnavailable(fmt.Errorf("send: %w", sarama.ErrNotConnected)))
	assert.True(t, brokerUnavailable(&timeoutErr{}))
	assert.False(t, brokerUnavailable(sarama.ErrMessageSizeTooLarge))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

func (s *fakeSession) Marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "events.audit.log" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func claimOf(n int) *fakeClaim {
	c := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, n)}
	for i := 0; i < n; i++ {
		c.msgs <- &sarama.ConsumerMessage{
			Offset:  int64(i),
			Value:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Headers: []*sarama.RecordHeader{{Key: []byte("routing-key"), Value: []byte("audit.log")}},
		}
	}
	close(c.msgs)
	return c
}

func TestGroupHandlerMarksHandledAndRejected(t *testing.T) {
	sess := &fakeSession{ctx: context.Background()}
	var seen []string
	h := &groupHandler{
		queue:  QueueAuditLog,
		logger: discardLogger(),
		handle: func(_ context.Context, d Delivery) error {
			seen = append(seen, d.Headers["routing-key"])
			if string(d.Body) == `{"n":1}` {
				return errors.New("poison")
			}
			return nil
		},
	}
	require.NoError(t, h.ConsumeClaim(sess, claimOf(3)))
	assert.Equal(t, []int64{0, 1, 2}, sess.Marked(), "rejected messages are not redelivered")
	assert.Equal(t, []string{"audit.log", "audit.log", "audit.log"}, seen)
}

func TestGroupHandlerNoAckMarksFirst(t *testing.T) {
	sess := &fakeSession{ctx: context.Background()}
	h := &groupHandler{
		queue:  QueueAuditLog,
		noAck:  true,
		logger: discardLogger(),
		handle: func(_ context.Context, d Delivery) error {
			assert.Len(t, sess.Marked(), 1, "message is acked before the handler runs")
			return nil
		},
	}
	require.NoError(t, h.ConsumeClaim(sess, claimOf(1)))
}

func TestGroupHandlerStopsWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	h := &groupHandler{queue: QueueAuditLog, logger: discardLogger(), handle: func(context.Context, Delivery) error { return nil }}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

func TestKafkaBrokerQueueStatsDisconnected(t *testing.T) {
	b := NewKafkaBroker(testConfig(t))
	_, err := b.QueueStats(context.Background())
	require.True(t, IsConnectionError(err))
}

func TestKafkaBrokerConnectCancelled(t *testing.T) {
	b := NewKafkaBroker(testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Connect(ctx)
	require.True(t, IsConnectionError(err))
	assert.False(t, b.IsOpen())
}

// gatedProducer blocks SendMessage until release is closed and records a
// Close that arrives while a send is still running.
type gatedProducer struct {
	sarama.SyncProducer
	started       chan struct{}
	release       chan struct{}
	inFlight      atomic.Int32
	closedMidSend atomic.Bool
	closed        atomic.Bool
}

func newGatedProducer() *gatedProducer {
	return &gatedProducer{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	close(g.started)
	<-g.release
	return 0, 1, nil
}

func (g *gatedProducer) Close() error {
	if g.inFlight.Load() > 0 {
		g.closedMidSend.Store(true)
	}
	g.closed.Store(true)
	return nil
}

func TestKafkaBrokerDisconnectWaitsForInFlightSend(t *testing.T) {
	b := NewKafkaBroker(testConfig(t))
	producer := newGatedProducer()
	b.producer = producer
	b.connected.Store(true)

	sent := make(chan error, 1)
	go func() {
		sent <- b.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"), PublishOptions{})
	}()
	<-producer.started

	disconnected := make(chan struct{})
	go func() {
		b.Disconnect()
		close(disconnected)
	}()
	assert.Never(t, func() bool {
		select {
		case <-disconnected:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "producer closed under a running send")
	assert.False(t, b.IsOpen())

	close(producer.release)
	require.NoError(t, <-sent)
	<-disconnected
	assert.True(t, producer.closed.Load())
	assert.False(t, producer.closedMidSend.Load())
}
