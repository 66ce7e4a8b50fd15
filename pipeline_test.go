package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) SaveAudit(context.Context, Envelope, AuditEvent) error {
	return errors.New("database is locked")
}

type pipelineFixture struct {
	broker    *MemoryBroker
	events    *EventPublisher
	store     *SQLAuditStore
	analytics *MemoryAnalytics
	alerts    *recordingAlerter
	metrics   *recordingMetrics
	pipeline  *AuditPipeline
}

func newPipelineFixture(t *testing.T, mode ConsumerMode, store AuditStore) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		broker:    NewMemoryBroker(discardLogger()),
		analytics: NewMemoryAnalytics(),
		alerts:    &recordingAlerter{},
		metrics:   newRecordingMetrics(),
	}
	t.Cleanup(func() { f.broker.Disconnect() })
	cfg := testConfig(t, WithAuditConsumerMode(mode), WithMetrics(f.metrics))
	if store == nil {
		f.store = NewSQLAuditStore(openTestDB(t), "sqlite3")
		store = f.store
	}

	notifier := NewNotifier(cfg.Audit, cfg.Logger, f.alerts)
	f.pipeline = NewAuditPipeline(NewConsumerRegistry(f.broker, cfg), store, f.analytics, notifier, cfg)
	require.NoError(t, f.pipeline.Start(context.Background()))

	pub := NewPublisher(f.broker, cfg, nil)
	t.Cleanup(func() { pub.Close() })
	f.events = NewEventPublisher(pub, nil, cfg.Logger, cfg.Metrics)
	return f
}

func (f *pipelineFixture) publish(actions ...string) {
	for _, a := range actions {
		f.events.PublishAudit(context.Background(), AuditEvent{
			UserID:   "u-1",
			Action:   a,
			Resource: "user",
			Details:  map[string]any{"password": "secret"},
		})
	}
}

func (f *pipelineFixture) stored() int {
	n, err := f.store.Count(context.Background(), "")
	if err != nil {
		return -1
	}
	return n
}

func TestAuditPipelineFanout(t *testing.T) {
	f := newPipelineFixture(t, ConsumerModeFanout, nil)
	assert.Equal(t, ConsumerModeFanout, f.pipeline.Mode())
	f.publish("login", "user.deleted", "login")

	require.Eventually(t, func() bool {
		return f.stored() == 3 && f.analytics.ActionCount("login") == 2 && f.alerts.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := f.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, "****", rec.Details["password"])
	}

	stats, err := f.broker.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats[QueueAuditLog].Consumers)
}

func TestAuditPipelineCompeting(t *testing.T) {
	f := newPipelineFixture(t, ConsumerModeCompeting, nil)
	f.publish("a", "b", "c", "d", "e", "f")

	handled := func() int {
		return f.metrics.Handled(RolePersistence, OutcomeAck) +
			f.metrics.Handled(RoleAnalytics, OutcomeAck) +
			f.metrics.Handled(RoleNotification, OutcomeAck)
	}
	require.Eventually(t, func() bool { return handled() == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return handled() > 6 }, 50*time.Millisecond, 10*time.Millisecond,
		"each event reaches exactly one role")
	require.Eventually(t, func() bool { return f.broker.Acked() == 6 }, time.Second, 10*time.Millisecond)
}

func TestAuditPipelineCombined(t *testing.T) {
	f := newPipelineFixture(t, ConsumerModeCombined, nil)
	f.publish("permission.granted", "login")

	require.Eventually(t, func() bool {
		return f.metrics.Handled(RoleCombined, OutcomeAck) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.stored())
	assert.Equal(t, int64(1), f.analytics.ActionCount("login"))
	assert.Equal(t, 1, f.alerts.Count())

	stats, err := f.broker.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[QueueAuditLog].Consumers)
}

func TestAuditPipelinePersistenceFailureRejects(t *testing.T) {
	f := newPipelineFixture(t, ConsumerModeFanout, failingStore{})
	f.publish("login")

	require.Eventually(t, func() bool {
		return f.metrics.Handled(RolePersistence, OutcomeNack) == 1 && f.analytics.ActionCount("login") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.broker.Nacked() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.metrics.Dropped(DropHandler))
}

func TestAuditPipelineCombinedSwallowsSideEffects(t *testing.T) {
	f := newPipelineFixture(t, ConsumerModeCombined, nil)
	f.alerts.err = errors.New("webhook down")
	f.publish("user.deleted")

	require.Eventually(t, func() bool {
		return f.metrics.Handled(RoleCombined, OutcomeAck) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.stored())
	assert.Zero(t, f.broker.Nacked())
}

func TestAuditPipelineRequiresRole(t *testing.T) {
	b := NewMemoryBroker(discardLogger())
	defer b.Disconnect()
	cfg := testConfig(t)
	p := NewAuditPipeline(NewConsumerRegistry(b, cfg), nil, nil, nil, cfg)
	require.Error(t, p.Start(context.Background()))
}
