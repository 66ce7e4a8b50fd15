package eventbus

import (
	"fmt"
)

// Queue names a durable destination. The set is closed and known at startup;
// every queue is bound to the single exchange with a routing key equal to its
// name.
type Queue string

const (
	QueueAuditLog        Queue = "audit.log"
	QueueUserEvents      Queue = "user.events"
	QueueAPIKeyEvents    Queue = "api_key.events"
	QueueRBACEvents      Queue = "rbac.events"
	QueueAnalyticsEvents Queue = "analytics.events"
)

// queueKinds binds each queue to the payload kind it carries.
var queueKinds = map[Queue]Kind{
	QueueAuditLog:        KindAudit,
	QueueUserEvents:      KindUser,
	QueueAPIKeyEvents:    KindAPIKey,
	QueueRBACEvents:      KindRBAC,
	QueueAnalyticsEvents: KindAnalytics,
}

// Queues returns the closed queue set in a stable order.
func Queues() []Queue {
	return []Queue{QueueAuditLog, QueueUserEvents, QueueAPIKeyEvents, QueueRBACEvents, QueueAnalyticsEvents}
}

// Valid reports whether q belongs to the closed queue set.
func (q Queue) Valid() bool {
	_, ok := queueKinds[q]
	return ok
}

// Kind returns the payload kind routed to q.
func (q Queue) Kind() Kind { return queueKinds[q] }

// RoutingKey is the key the queue is bound to the exchange with.
func (q Queue) RoutingKey() string { return string(q) }

// ValidateEnvelope checks that env may be published on q:
//  1. q is a known queue
//  2. env carries a payload of the kind q routes
//  3. the payload passes its own field checks
func ValidateEnvelope(q Queue, env Envelope) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if env.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	if got, want := env.Payload.Kind(), q.Kind(); got != want {
		return fmt.Errorf("%w: %s payload cannot be published on %s (expects %s)", ErrInvalidEnvelope, got, q, want)
	}
	return env.Payload.Validate()
}
