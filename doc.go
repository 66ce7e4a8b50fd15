// Package eventbus distributes domain events (audit records, user lifecycle,
// API key and RBAC changes, analytics) from application code to a message
// broker, and consumes them on the other side.
//
// Core Concepts:
//
//   - Envelope: the unit of transport. Shared metadata (id, timestamp, version,
//     correlation id, source, meta) wraps exactly one typed Payload. The wire
//     form is JSON with a "kind" discriminant.
//
//   - Queue: a durable destination from a closed set (audit.log, user.events,
//     api_key.events, rbac.events, analytics.events). Each queue carries one
//     payload kind and is bound to the exchange under its own name.
//
//   - Broker: one logical connection with Connect, Disconnect, Publish,
//     Consume and IsOpen. KafkaBroker maps the exchange to a topic namespace and
//     each queue to a topic; MemoryBroker runs in process.
//
// Publishing:
//
// Publisher is the resilient write path. A publish call runs through a retry
// decorator (Retry, exponential backoff with a per-attempt timeout) whose every
// attempt is guarded by a CircuitBreaker. When the breaker is open, or every
// attempt failed, the event goes into a bounded OfflineBuffer and Publish
// returns false; the buffer is flushed in the background after the next
// successful publish. Broker outages never surface as errors.
//
// EventPublisher is the typed facade (PublishAudit, PublishUserEvent, ...).
// Audit events, and every kind when DiskFallbackAll is configured, fall back to
// an append-only JSON-lines OverflowLog named after the pod identity when the
// publisher cannot take them. Buffer evictions and the buffer contents at Close
// go to the same log.
//
// Consuming:
//
// ConsumerRegistry registers typed handlers per queue with configured
// prefetch. Registrations sharing a consumer group compete for messages;
// distinct groups each see every message. A handler error rejects the message
// without requeue.
//
// AuditPipeline binds the persistence (SQLAuditStore), analytics
// (RedisAnalytics or MemoryAnalytics) and notification (Notifier) roles to the
// audit queue in fanout, competing or combined mode.
//
// Recovery and observability:
//
// Replayer republishes overflow files and deletes a file only after every line
// was published with the broker connected throughout. HealthMonitor keeps a
// rolling history of snapshots and serves the /health/event-bus endpoints;
// PrometheusMetrics exports counters for the whole path.
package eventbus
