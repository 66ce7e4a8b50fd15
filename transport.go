package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// KafkaBroker implements Broker on Kafka. Each queue is a topic named by
// BrokerConfig.Topic; the exchange is the topic namespace and the routing key
// travels as the message key header. Consumer groups carry the competing
// consumer semantics: registrations sharing a group split the deliveries.
type KafkaBroker struct {
	cfg    BrokerConfig
	logger *slog.Logger

	mu        sync.Mutex
	sendMu    sync.RWMutex // held by in-flight sends; release takes it to close a producer
	client    sarama.Client
	admin     sarama.ClusterAdmin
	producer  sarama.SyncProducer
	subs      []*kafkaSubscription
	connected atomic.Bool
}

var _ Broker = (*KafkaBroker)(nil)
var _ QueueStatter = (*KafkaBroker)(nil)

// NewKafkaBroker creates a disconnected broker client.
func NewKafkaBroker(cfg Config) *KafkaBroker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBroker{
		cfg:    cfg.Broker,
		logger: logger.With("component", "broker"),
	}
}

func (b *KafkaBroker) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = b.cfg.ClientID
	if b.cfg.DialTimeout > 0 {
		sc.Net.DialTimeout = b.cfg.DialTimeout
	}
	sc.Metadata.Retry.Max = 1
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	// Retries belong to the publisher; surface failures promptly.
	sc.Producer.Retry.Max = 0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return sc
}

// Connect dials the cluster, asserts one topic per queue and opens the
// producer. A second call while connected does nothing.
func (b *KafkaBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	b.mu.Lock()
	if b.connected.Load() && b.producer != nil {
		b.mu.Unlock()
		return nil
	}
	stale := b.detachLocked()
	err := b.dialLocked()
	b.mu.Unlock()
	b.release(stale)
	return err
}

func (b *KafkaBroker) dialLocked() error {
	client, err := sarama.NewClient(b.cfg.Brokers, b.saramaConfig())
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		client.Close()
		return &ConnectionError{Op: "connect", Err: err}
	}
	if err := b.assertTopology(admin); err != nil {
		admin.Close()
		return &ConnectionError{Op: "assert topology", Err: err}
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		admin.Close()
		return &ConnectionError{Op: "open producer", Err: err}
	}
	b.client, b.admin, b.producer = client, admin, producer
	b.connected.Store(true)
	b.logger.Info("broker connected", "brokers", b.cfg.Brokers, "exchange", b.cfg.Exchange)
	return nil
}

func (b *KafkaBroker) assertTopology(admin sarama.ClusterAdmin) error {
	for _, q := range Queues() {
		if err := b.assertQueue(admin, q); err != nil {
			return err
		}
	}
	return nil
}

func (b *KafkaBroker) assertQueue(admin sarama.ClusterAdmin, q Queue) error {
	topic := b.cfg.Topic(q)
	err := admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     max(b.cfg.Partitions, 1),
		ReplicationFactor: max(b.cfg.ReplicationFactor, 1),
	}, false)
	if err != nil && !topicExists(err) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func topicExists(err error) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) {
		return te.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

// channelConns is a producer with the client connections behind it.
type channelConns struct {
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	client   sarama.Client
}

// detachLocked takes the producer and client off the broker. Consumer groups
// own their connections and keep running. The caller hands the result to
// release once b.mu is no longer held.
func (b *KafkaBroker) detachLocked() channelConns {
	c := channelConns{producer: b.producer, admin: b.admin, client: b.client}
	b.producer, b.admin, b.client = nil, nil, nil
	b.connected.Store(false)
	return c
}

// release waits for sends still using c.producer, then closes c.
func (b *KafkaBroker) release(c channelConns) {
	if c.producer == nil && c.admin == nil && c.client == nil {
		return
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			b.logger.Debug("close producer", "err", err)
		}
	}
	switch {
	case c.admin != nil:
		// Closing the admin also closes the client it was built from.
		if err := c.admin.Close(); err != nil {
			b.logger.Debug("close admin", "err", err)
		}
	case c.client != nil:
		c.client.Close()
	}
}

// Disconnect stops every consumer and closes the connection.
func (b *KafkaBroker) Disconnect() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer %s: %w", s.group, err))
		}
	}

	b.mu.Lock()
	stale := b.detachLocked()
	b.mu.Unlock()
	b.release(stale)
	b.logger.Info("broker disconnected")
	return errors.Join(errs...)
}

// IsOpen reports whether the producer channel is believed to be usable.
func (b *KafkaBroker) IsOpen() bool { return b.connected.Load() }

func (b *KafkaBroker) markDisconnected(cause error) {
	if b.connected.CompareAndSwap(true, false) {
		b.logger.Warn("broker connection lost", "err", cause)
	}
}

// channel returns the producer, reconnecting once when there is none.
func (b *KafkaBroker) channel(ctx context.Context) (sarama.SyncProducer, error) {
	b.mu.Lock()
	p := b.producer
	b.mu.Unlock()
	if p != nil && b.connected.Load() {
		return p, nil
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer == nil {
		return nil, &ConnectionError{Op: "publish", Err: ErrNotConnected}
	}
	return b.producer, nil
}

// Publish sends env to the topic backing q.
func (b *KafkaBroker) Publish(ctx context.Context, q Queue, env Envelope, opts PublishOptions) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	producer, err := b.channel(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	key := opts.Key
	if key == "" {
		key = env.CorrelationID
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.cfg.Topic(q),
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
		Headers:   messageHeaders(q, env, opts.Headers),
		Timestamp: env.Timestamp,
	}
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	b.mu.Lock()
	current := b.producer == producer
	b.mu.Unlock()
	if !current {
		// A reconnect replaced the producer after channel returned it.
		return &ConnectionError{Op: "publish", Err: ErrNotConnected}
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
		if brokerUnavailable(err) {
			b.markDisconnected(err)
			return &ConnectionError{Op: "publish", Err: err}
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func messageHeaders(q Queue, env Envelope, extra map[string]string) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte("routing-key"), Value: []byte(q.RoutingKey())},
		{Key: []byte("content-type"), Value: []byte("application/json")},
		{Key: []byte("event-kind"), Value: []byte(env.Kind())},
	}
	if env.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte("correlation-id"), Value: []byte(env.CorrelationID)})
	}
	for k, v := range extra {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}

func brokerUnavailable(err error) bool {
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrBrokerNotAvailable),
		errors.Is(err, sarama.ErrShuttingDown):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Consume starts a consumer group on the topic backing q. Prefetch sizes the
// group's fetch channel; each claim is processed in order and every message is
// marked once its handler returns, whatever the outcome.
func (b *KafkaBroker) Consume(ctx context.Context, q Queue, h DeliveryHandler, opts ConsumeOptions) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if err := b.Connect(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	admin := b.admin
	b.mu.Unlock()
	if admin != nil {
		if err := b.assertQueue(admin, q); err != nil {
			return &ConnectionError{Op: "assert queue", Err: err}
		}
	}

	sc := b.saramaConfig()
	if opts.Prefetch > 0 {
		sc.ChannelBufferSize = opts.Prefetch
	}
	if !opts.Durable {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	group := opts.Group
	if group == "" {
		group = string(q)
	}
	groupID := group
	if b.cfg.Exchange != "" {
		groupID = b.cfg.Exchange + "." + group
	}
	cg, err := sarama.NewConsumerGroup(b.cfg.Brokers, groupID, sc)
	if err != nil {
		return &ConnectionError{Op: "consume", Err: err}
	}

	cctx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		queue:  q,
		group:  groupID,
		cg:     cg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	handler := &groupHandler{queue: q, handle: h, noAck: opts.NoAck, logger: b.logger}
	topic := b.cfg.Topic(q)

	go func() {
		for err := range cg.Errors() {
			b.logger.Warn("consumer group error", "group", groupID, "err", err)
			if brokerUnavailable(err) {
				b.markDisconnected(err)
			}
		}
	}()
	go func() {
		defer close(sub.done)
		for {
			if err := cg.Consume(cctx, []string{topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.logger.Warn("consume session ended", "group", groupID, "err", err)
				select {
				case <-cctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if cctx.Err() != nil {
				return
			}
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.logger.Info("consumer registered", "queue", q, "group", groupID, "prefetch", opts.Prefetch)
	return nil
}

// QueueStats reports retained messages per queue (newest minus oldest offset,
// summed over partitions) and local consumer registrations.
func (b *KafkaBroker) QueueStats(ctx context.Context) (map[Queue]QueueStat, error) {
	b.mu.Lock()
	client := b.client
	consumers := make(map[Queue]int)
	for _, s := range b.subs {
		consumers[s.queue]++
	}
	b.mu.Unlock()
	if client == nil || client.Closed() {
		return nil, &ConnectionError{Op: "stats", Err: ErrNotConnected}
	}

	stats := make(map[Queue]QueueStat, len(queueKinds))
	for _, q := range Queues() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		topic := b.cfg.Topic(q)
		partitions, err := client.Partitions(topic)
		if err != nil {
			return stats, fmt.Errorf("partitions %s: %w", topic, err)
		}
		var depth int64
		for _, p := range partitions {
			newest, err := client.GetOffset(topic, p, sarama.OffsetNewest)
			if err != nil {
				return stats, fmt.Errorf("newest offset %s/%d: %w", topic, p, err)
			}
			oldest, err := client.GetOffset(topic, p, sarama.OffsetOldest)
			if err != nil {
				return stats, fmt.Errorf("oldest offset %s/%d: %w", topic, p, err)
			}
			depth += newest - oldest
		}
		stats[q] = QueueStat{Messages: depth, Consumers: consumers[q]}
	}
	return stats, nil
}

type kafkaSubscription struct {
	queue  Queue
	group  string
	cg     sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSubscription) close() error {
	s.cancel()
	err := s.cg.Close()
	<-s.done
	return err
}

// groupHandler adapts a DeliveryHandler to sarama.ConsumerGroupHandler.
type groupHandler struct {
	queue  Queue
	handle DeliveryHandler
	noAck  bool
	logger *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.deliver(sess, msg)
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) deliver(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	d := Delivery{
		Queue:     h.queue,
		Body:      msg.Value,
		Headers:   make(map[string]string, len(msg.Headers)),
		Timestamp: msg.Timestamp,
	}
	for _, rh := range msg.Headers {
		if rh != nil {
			d.Headers[string(rh.Key)] = string(rh.Value)
		}
	}
	if h.noAck {
		sess.MarkMessage(msg, "")
		if err := h.handle(sess.Context(), d); err != nil {
			h.logger.Debug("delivery failed after auto-ack", "queue", h.queue, "offset", msg.Offset, "err", err)
		}
		return
	}
	if err := h.handle(sess.Context(), d); err != nil {
		h.logger.Debug("delivery rejected without requeue", "queue", h.queue, "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
	// Ack and reject-without-requeue both advance past the message.
	sess.MarkMessage(msg, "")
}
