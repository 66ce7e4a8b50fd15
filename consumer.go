package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one decoded event. Returning an error rejects the message
// without requeue.
type Handler[T Payload] func(ctx context.Context, env Envelope, payload T) error

// ConsumerOption customizes one consumer registration.
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	group    string
	role     string
	prefetch int
	durable  bool
	noAck    bool
	critical bool
}

// WithGroup places the consumer in a named group. Consumers in different
// groups each receive every message on the queue.
func WithGroup(name string) ConsumerOption {
	return func(s *consumerSettings) { s.group = name }
}

// WithRole labels the consumer in logs and metrics.
func WithRole(role string) ConsumerOption {
	return func(s *consumerSettings) { s.role = role }
}

// WithPrefetch overrides the configured prefetch for the queue.
func WithPrefetch(n int) ConsumerOption {
	return func(s *consumerSettings) { s.prefetch = n }
}

// WithNoAck acknowledges deliveries on receipt.
func WithNoAck() ConsumerOption {
	return func(s *consumerSettings) { s.noAck = true }
}

// NonDurable starts the consumer at the end of the queue.
func NonDurable() ConsumerOption {
	return func(s *consumerSettings) { s.durable = false }
}

// Critical logs handler failures at error severity: a rejected message is
// lost for this consumer.
func Critical() ConsumerOption {
	return func(s *consumerSettings) { s.critical = true }
}

// ConsumerRegistry registers typed consumers on the broker with per-queue
// defaults. Repeated registrations on the same queue and group compete for
// messages.
type ConsumerRegistry struct {
	broker   Broker
	prefetch PrefetchConfig
	logger   *slog.Logger
	metrics  Metrics
}

// NewConsumerRegistry creates a registry over broker.
func NewConsumerRegistry(broker Broker, cfg Config) *ConsumerRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ConsumerRegistry{
		broker:   broker,
		prefetch: cfg.Prefetch,
		logger:   logger.With("component", "consumer"),
		metrics:  metrics,
	}
}

// Register binds h to q. Deliveries are decoded into envelopes; one that does
// not decode or does not carry a T is rejected.
func Register[T Payload](ctx context.Context, r *ConsumerRegistry, q Queue, h Handler[T], opts ...ConsumerOption) error {
	s := consumerSettings{
		prefetch: r.prefetch.For(q),
		durable:  true,
		role:     string(q.Kind()),
	}
	for _, opt := range opts {
		opt(&s)
	}
	err := r.broker.Consume(ctx, q, typedDelivery(r, q, s, h), ConsumeOptions{
		Group:    s.group,
		Durable:  s.durable,
		Prefetch: s.prefetch,
		NoAck:    s.noAck,
	})
	if err != nil {
		return fmt.Errorf("register %s consumer on %s: %w", s.role, q, err)
	}
	r.logger.Info("consumer started", "queue", q, "role", s.role, "group", s.group, "prefetch", s.prefetch)
	return nil
}

func typedDelivery[T Payload](r *ConsumerRegistry, q Queue, s consumerSettings, h Handler[T]) DeliveryHandler {
	return func(ctx context.Context, d Delivery) error {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			return r.reject(q, s, &HandlerError{Queue: q, Role: s.role, Err: err})
		}
		payload, ok := PayloadAs[T](env)
		if !ok {
			return r.reject(q, s, &HandlerError{
				Queue: q, Role: s.role, ID: env.ID,
				Err: fmt.Errorf("%w: unexpected %s payload", ErrInvalidEnvelope, env.Kind()),
			})
		}
		start := time.Now()
		if err := h(ctx, env, payload); err != nil {
			return r.reject(q, s, &HandlerError{Queue: q, Role: s.role, ID: env.ID, Err: err})
		}
		r.metrics.HandlerResult(q, s.role, OutcomeAck)
		r.logger.Debug("event handled", "queue", q, "role", s.role, "id", env.ID, "took", time.Since(start))
		return nil
	}
}

func (r *ConsumerRegistry) reject(q Queue, s consumerSettings, err *HandlerError) error {
	r.metrics.HandlerResult(q, s.role, OutcomeNack)
	r.metrics.EventDropped(q, DropHandler)
	if s.critical {
		r.logger.Error("handler failed, message dropped", "queue", q, "role", s.role, "id", err.ID, "err", err.Err)
	} else {
		r.logger.Warn("handler failed, message dropped", "queue", q, "role", s.role, "id", err.ID, "err", err.Err)
	}
	return err
}

// StartAuditLogConsumer registers h on the audit log queue.
func (r *ConsumerRegistry) StartAuditLogConsumer(ctx context.Context, h Handler[AuditEvent], opts ...ConsumerOption) error {
	return Register(ctx, r, QueueAuditLog, h, opts...)
}

// StartUserEventsConsumer registers h on the user events queue.
func (r *ConsumerRegistry) StartUserEventsConsumer(ctx context.Context, h Handler[UserEvent], opts ...ConsumerOption) error {
	return Register(ctx, r, QueueUserEvents, h, opts...)
}

// StartAPIKeyEventsConsumer registers h on the API key events queue.
func (r *ConsumerRegistry) StartAPIKeyEventsConsumer(ctx context.Context, h Handler[APIKeyEvent], opts ...ConsumerOption) error {
	return Register(ctx, r, QueueAPIKeyEvents, h, opts...)
}

// StartRBACEventsConsumer registers h on the RBAC events queue.
func (r *ConsumerRegistry) StartRBACEventsConsumer(ctx context.Context, h Handler[RBACEvent], opts ...ConsumerOption) error {
	return Register(ctx, r, QueueRBACEvents, h, opts...)
}

// StartAnalyticsEventsConsumer registers h on the analytics events queue.
func (r *ConsumerRegistry) StartAnalyticsEventsConsumer(ctx context.Context, h Handler[AnalyticsEvent], opts ...ConsumerOption) error {
	return Register(ctx, r, QueueAnalyticsEvents, h, opts...)
}
