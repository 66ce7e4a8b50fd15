package eventbus

import (
	"context"
	"time"
)

// Broker owns one logical connection to the message broker. Publish and
// Consume need an open channel; Publish reconnects lazily once before failing.
// Connection loss is reported asynchronously by flipping IsOpen to false.
type Broker interface {
	// Connect establishes the connection and asserts the queue topology. It is
	// a no-op when already connected and returns a *ConnectionError on failure;
	// callers own any retry.
	Connect(ctx context.Context) error
	// Disconnect stops all consumers and closes the connection.
	Disconnect() error
	// Publish writes env to q. Success means the broker accepted the write, not
	// that a consumer received it.
	Publish(ctx context.Context, q Queue, env Envelope, opts PublishOptions) error
	// Consume asserts q, binds it under its routing key and registers h for
	// every delivery. It returns once the consumer is registered.
	Consume(ctx context.Context, q Queue, h DeliveryHandler, opts ConsumeOptions) error
	// IsOpen reports whether the connection is believed to be up.
	IsOpen() bool
}

// QueueStatter is implemented by brokers that can report per-queue depth.
type QueueStatter interface {
	QueueStats(ctx context.Context) (map[Queue]QueueStat, error)
}

// QueueStat is the depth and consumer count of one queue.
type QueueStat struct {
	Messages  int64 `json:"messages"`
	Consumers int   `json:"consumers"`
}

// PublishOptions tunes a single publish.
type PublishOptions struct {
	// Key orders messages sharing it; defaults to the envelope correlation id.
	Key     string
	Headers map[string]string
}

// ConsumeOptions tunes a consumer registration.
type ConsumeOptions struct {
	// Group names the consumer group. Registrations sharing a group on the
	// same queue compete for deliveries; distinct groups each receive every
	// delivery. Empty means the queue name.
	Group string
	// Durable consumers resume from their committed position; non-durable ones
	// only see messages published after they start.
	Durable bool
	// Prefetch bounds how many unacknowledged deliveries the consumer holds.
	Prefetch int
	// NoAck acknowledges on receipt, before the handler runs.
	NoAck bool
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Queue     Queue
	Body      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeliveryHandler processes one delivery. A nil return acknowledges it; an
// error rejects it without requeue, so a poison message is dropped instead of
// looping.
type DeliveryHandler func(ctx context.Context, d Delivery) error
