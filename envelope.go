package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// EnvelopeVersion is the wire version stamped on envelopes that do not carry one.
const EnvelopeVersion = "1.0"

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindAudit     Kind = "audit"
	KindUser      Kind = "user"
	KindAPIKey    Kind = "api_key"
	KindRBAC      Kind = "rbac"
	KindAnalytics Kind = "analytics"
)

// Queue returns the queue events of this kind are routed to.
func (k Kind) Queue() Queue {
	switch k {
	case KindAudit:
		return QueueAuditLog
	case KindUser:
		return QueueUserEvents
	case KindAPIKey:
		return QueueAPIKeyEvents
	case KindRBAC:
		return QueueRBACEvents
	case KindAnalytics:
		return QueueAnalyticsEvents
	}
	return ""
}

// Payload is the kind-specific body of an Envelope.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Envelope is the unit of transport: shared metadata plus one typed payload.
// Envelopes are values; nothing in this package mutates one after NewEnvelope
// returns it.
type Envelope struct {
	ID            string
	Timestamp     time.Time
	Version       string
	CorrelationID string
	Source        string
	Meta          map[string]any
	Payload       Payload
}

// Kind returns the payload kind, or "" for an empty envelope.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// EnvelopeOption customizes NewEnvelope.
type EnvelopeOption func(*Envelope)

// WithCorrelation sets the correlation id explicitly.
func WithCorrelation(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithSource names the producing component.
func WithSource(source string) EnvelopeOption {
	return func(e *Envelope) { e.Source = source }
}

// WithMeta adds one free-form metadata entry.
func WithMeta(key string, value any) EnvelopeOption {
	return func(e *Envelope) {
		if e.Meta == nil {
			e.Meta = make(map[string]any)
		}
		e.Meta[key] = value
	}
}

// WithTimestamp overrides the event time. Left unset, the publisher stamps it.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.Timestamp = t }
}

// WithVersion overrides the envelope version.
func WithVersion(v string) EnvelopeOption {
	return func(e *Envelope) { e.Version = v }
}

// WithEnvelopeID overrides the generated envelope id.
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) { e.ID = id }
}

// NewEnvelope wraps payload with metadata. The correlation id is taken from
// the options, then from ctx (ContextWithCorrelationID), then from the active
// span's trace id.
func NewEnvelope(ctx context.Context, payload Payload, opts ...EnvelopeOption) Envelope {
	if ctx == nil {
		ctx = context.Background()
	}
	env := Envelope{
		ID:      uuid.New().String(),
		Version: EnvelopeVersion,
		Payload: payload,
	}
	for _, opt := range opts {
		opt(&env)
	}
	env.Meta = maps.Clone(env.Meta)

	sc := trace.SpanContextFromContext(ctx)
	if env.CorrelationID == "" {
		env.CorrelationID = CorrelationIDFromContext(ctx)
	}
	if env.CorrelationID == "" && sc.HasTraceID() {
		env.CorrelationID = sc.TraceID().String()
	}
	if sc.IsValid() {
		if env.Meta == nil {
			env.Meta = make(map[string]any, 2)
		}
		env.Meta["traceId"] = sc.TraceID().String()
		env.Meta["spanId"] = sc.SpanID().String()
	}
	return env
}

// withDefaults returns a copy with the server-side defaults filled in.
func (e Envelope) withDefaults(now time.Time, source string) Envelope {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.Version == "" {
		e.Version = EnvelopeVersion
	}
	if e.Source == "" {
		e.Source = source
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e
}

// PayloadAs returns the payload as T when the envelope carries one.
func PayloadAs[T Payload](e Envelope) (T, bool) {
	p, ok := e.Payload.(T)
	return p, ok
}

type envelopeWire struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       string          `json:"version,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Meta          map[string]any  `json:"meta,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope with its kind discriminant.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(envelopeWire{
		ID:            e.ID,
		Kind:          e.Payload.Kind(),
		Timestamp:     e.Timestamp,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		Source:        e.Source,
		Meta:          e.Meta,
		Payload:       body,
	})
}

// UnmarshalJSON decodes the payload according to the kind discriminant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ID:            w.ID,
		Timestamp:     w.Timestamp,
		Version:       w.Version,
		CorrelationID: w.CorrelationID,
		Source:        w.Source,
		Meta:          w.Meta,
		Payload:       p,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindAudit:
		p = &AuditEvent{}
	case KindUser:
		p = &UserEvent{}
	case KindAPIKey:
		p = &APIKeyEvent{}
	case KindRBAC:
		p = &RBACEvent{}
	case KindAnalytics:
		p = &AnalyticsEvent{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, kind)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing payload for kind %q", ErrInvalidEnvelope, kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEnvelope, kind, err)
	}
	// Payloads travel as values so type switches on Envelope.Payload see the
	// same types the producers built.
	switch v := p.(type) {
	case *AuditEvent:
		return *v, nil
	case *UserEvent:
		return *v, nil
	case *APIKeyEvent:
		return *v, nil
	case *RBACEvent:
		return *v, nil
	case *AnalyticsEvent:
		return *v, nil
	}
	return p, nil
}

type correlationKey struct{}

// ContextWithCorrelationID attaches a correlation id to ctx for envelopes built
// from it.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by ContextWithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
