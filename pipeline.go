package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Audit consumer roles.
const (
	RolePersistence  = "persistence"
	RoleAnalytics    = "analytics"
	RoleNotification = "notification"
	RoleCombined     = "combined"
)

// AuditPipeline consumes the audit queue with three roles: persistence,
// analytics and notification. Only persistence failures reject a message; the
// other two roles log and swallow theirs. No role publishes events.
//
// How the roles share the queue is set by ConsumerMode:
//   - fanout: each role has its own consumer group and sees every event
//   - competing: the roles share one group and each event reaches one role
//   - combined: a single consumer runs all three roles per event
type AuditPipeline struct {
	registry  *ConsumerRegistry
	store     AuditStore
	analytics AnalyticsSink
	notifier  *Notifier
	mode      ConsumerMode
	logger    *slog.Logger
}

// NewAuditPipeline wires the roles. A nil store, analytics sink or notifier
// disables that role.
func NewAuditPipeline(registry *ConsumerRegistry, store AuditStore, analytics AnalyticsSink, notifier *Notifier, cfg Config) *AuditPipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Audit.ConsumerMode
	if mode == "" {
		mode = ConsumerModeFanout
	}
	return &AuditPipeline{
		registry:  registry,
		store:     store,
		analytics: analytics,
		notifier:  notifier,
		mode:      mode,
		logger:    logger.With("component", "pipeline"),
	}
}

// Mode returns the consumer mode in effect.
func (p *AuditPipeline) Mode() ConsumerMode { return p.mode }

// Start registers the consumers for the configured mode.
func (p *AuditPipeline) Start(ctx context.Context) error {
	if p.mode == ConsumerModeCombined {
		return p.registry.StartAuditLogConsumer(ctx, p.combined, WithRole(RoleCombined), Critical())
	}
	type role struct {
		name string
		h    Handler[AuditEvent]
		opts []ConsumerOption
	}
	var roles []role
	if p.store != nil {
		roles = append(roles, role{RolePersistence, p.persist, []ConsumerOption{Critical()}})
	}
	if p.analytics != nil {
		roles = append(roles, role{RoleAnalytics, p.analyze, nil})
	}
	if p.notifier != nil {
		roles = append(roles, role{RoleNotification, p.notify, nil})
	}
	if len(roles) == 0 {
		return errors.New("audit pipeline has no roles configured")
	}
	for _, r := range roles {
		opts := append([]ConsumerOption{WithRole(r.name)}, r.opts...)
		if p.mode == ConsumerModeFanout {
			opts = append(opts, WithGroup(string(QueueAuditLog)+"."+r.name))
		}
		if err := p.registry.StartAuditLogConsumer(ctx, r.h, opts...); err != nil {
			return fmt.Errorf("start audit %s consumer: %w", r.name, err)
		}
	}
	p.logger.Info("audit pipeline started", "mode", p.mode, "roles", len(roles))
	return nil
}

// persist stores the sanitized event. Its error rejects the message.
func (p *AuditPipeline) persist(ctx context.Context, env Envelope, ev AuditEvent) error {
	ev.Details = SanitizeDetails(ev.Details)
	return p.store.SaveAudit(ctx, env, ev)
}

func (p *AuditPipeline) analyze(ctx context.Context, env Envelope, ev AuditEvent) error {
	if err := p.analytics.RecordAudit(ctx, env, ev); err != nil {
		p.logger.Warn("analytics failed", "id", env.ID, "action", ev.Action, "err", err)
	}
	return nil
}

func (p *AuditPipeline) notify(ctx context.Context, env Envelope, ev AuditEvent) error {
	if _, err := p.notifier.Notify(ctx, env, ev); err != nil {
		p.logger.Warn("notification failed", "id", env.ID, "action", ev.Action, "err", err)
	}
	return nil
}

// combined runs every configured role; only the persistence error is returned.
func (p *AuditPipeline) combined(ctx context.Context, env Envelope, ev AuditEvent) error {
	var err error
	if p.store != nil {
		err = p.persist(ctx, env, ev)
	}
	if p.analytics != nil {
		p.analyze(ctx, env, ev)
	}
	if p.notifier != nil {
		p.notify(ctx, env, ev)
	}
	return err
}
