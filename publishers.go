package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventPublisher is the typed facade application code publishes through. It
// builds envelopes and hands them to the Publisher. Events of kinds covered by
// the disk fallback (always audit) are written to the overflow log when the
// publisher itself cannot take them.
type EventPublisher struct {
	pub      *Publisher
	fallback *DiskFallback
	source   string
	logger   *slog.Logger
	metrics  Metrics
}

// NewEventPublisher wraps pub. The disk fallback is pub's; a nil pub sends
// every covered event straight to fallback.
func NewEventPublisher(pub *Publisher, fallback *DiskFallback, logger *slog.Logger, metrics Metrics) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	var source string
	if pub != nil {
		source = pub.source
		if fallback == nil {
			fallback = pub.Fallback()
		}
	}
	return &EventPublisher{
		pub:      pub,
		fallback: fallback,
		source:   source,
		logger:   logger.With("component", "publisher"),
		metrics:  metrics,
	}
}

// PublishAudit publishes an audit event. It never reports failure: an event
// the publisher rejects is appended to the audit overflow log for replay.
func (e *EventPublisher) PublishAudit(ctx context.Context, ev AuditEvent, opts ...EnvelopeOption) {
	e.publish(ctx, QueueAuditLog, NewEnvelope(ctx, ev, opts...))
}

// PublishUserEvent publishes a user lifecycle event and reports whether the
// broker accepted it.
func (e *EventPublisher) PublishUserEvent(ctx context.Context, ev UserEvent, opts ...EnvelopeOption) bool {
	return e.publish(ctx, QueueUserEvents, NewEnvelope(ctx, ev, opts...))
}

// PublishAPIKeyEvent publishes an API key event.
func (e *EventPublisher) PublishAPIKeyEvent(ctx context.Context, ev APIKeyEvent, opts ...EnvelopeOption) bool {
	return e.publish(ctx, QueueAPIKeyEvents, NewEnvelope(ctx, ev, opts...))
}

// PublishRBACEvent publishes a role or permission change.
func (e *EventPublisher) PublishRBACEvent(ctx context.Context, ev RBACEvent, opts ...EnvelopeOption) bool {
	return e.publish(ctx, QueueRBACEvents, NewEnvelope(ctx, ev, opts...))
}

// PublishAnalyticsEvent publishes an analytics event.
func (e *EventPublisher) PublishAnalyticsEvent(ctx context.Context, ev AnalyticsEvent, opts ...EnvelopeOption) bool {
	return e.publish(ctx, QueueAnalyticsEvents, NewEnvelope(ctx, ev, opts...))
}

// PublishEnvelope publishes a prebuilt envelope on the queue for its kind.
func (e *EventPublisher) PublishEnvelope(ctx context.Context, env Envelope) bool {
	return e.publish(ctx, env.Kind().Queue(), env)
}

// Republish sends a previously spilled envelope without buffering or disk
// fallback, keeping its id and timestamp.
func (e *EventPublisher) Republish(ctx context.Context, env Envelope) error {
	if e.pub == nil {
		return ErrPublisherClosed
	}
	return e.pub.TryPublish(ctx, env.Kind().Queue(), env)
}

func (e *EventPublisher) publish(ctx context.Context, q Queue, env Envelope) bool {
	if e.pub == nil {
		e.toDisk(q, env, ErrPublisherClosed)
		return false
	}
	ok, err := e.pub.Publish(ctx, q, env)
	switch {
	case err == nil:
		return ok
	case errors.Is(err, ErrInvalidEnvelope), errors.Is(err, ErrUnknownQueue):
		e.metrics.EventDropped(q, DropInvalid)
		e.logger.Error("rejected malformed event", "queue", q, "id", env.ID, "err", err)
	default:
		e.toDisk(q, env, err)
	}
	return false
}

func (e *EventPublisher) toDisk(q Queue, env Envelope, cause error) {
	if !e.fallback.Covers(env.Kind()) {
		e.metrics.EventDropped(q, DropShutdown)
		e.logger.Warn("event dropped, publisher unavailable", "queue", q, "id", env.ID, "err", cause)
		return
	}
	env = env.withDefaults(time.Now(), e.source)
	if err := e.fallback.Append(env); err != nil {
		e.metrics.EventDropped(q, DropDiskWrite)
		e.logger.Error("disk overflow write failed, event lost", "queue", q, "id", env.ID, "err", err)
		return
	}
	e.metrics.EventSpilled(q)
	e.logger.Warn("event written to disk overflow", "queue", q, "id", env.ID, "cause", cause)
}
