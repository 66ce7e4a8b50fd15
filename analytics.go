package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnalyticsSink records lightweight counters for consumed events.
type AnalyticsSink interface {
	RecordAudit(ctx context.Context, env Envelope, ev AuditEvent) error
	RecordEvent(ctx context.Context, env Envelope, ev AnalyticsEvent) error
}

const analyticsRetention = 30 * 24 * time.Hour

func dayKey(t time.Time) string { return t.UTC().Format("20060102") }

// RedisAnalytics keeps counters in Redis:
//
//	<prefix>audit:action:<action>         total per action
//	<prefix>audit:daily:<yyyymmdd>        hash of action -> count
//	<prefix>audit:actors:<yyyymmdd>       HyperLogLog of acting users
//	<prefix>events:<name>                 total per analytics event name
//	<prefix>events:daily:<yyyymmdd>       hash of name -> count
//
// Daily keys expire after 30 days.
type RedisAnalytics struct {
	client redis.UniversalClient
	prefix string
}

var _ AnalyticsSink = (*RedisAnalytics)(nil)

// NewRedisAnalytics wraps client. prefix namespaces every key.
func NewRedisAnalytics(client redis.UniversalClient, prefix string) *RedisAnalytics {
	return &RedisAnalytics{client: client, prefix: prefix}
}

func (r *RedisAnalytics) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

func (r *RedisAnalytics) RecordAudit(ctx context.Context, env Envelope, ev AuditEvent) error {
	day := dayKey(env.Timestamp)
	daily := r.key("audit", "daily", day)
	actors := r.key("audit", "actors", day)

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, r.key("audit", "action", ev.Action))
	pipe.HIncrBy(ctx, daily, ev.Action, 1)
	pipe.Expire(ctx, daily, analyticsRetention)
	if ev.UserID != "" {
		pipe.PFAdd(ctx, actors, ev.UserID)
		pipe.Expire(ctx, actors, analyticsRetention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record audit analytics %s: %w", env.ID, err)
	}
	return nil
}

func (r *RedisAnalytics) RecordEvent(ctx context.Context, env Envelope, ev AnalyticsEvent) error {
	daily := r.key("events", "daily", dayKey(env.Timestamp))
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, r.key("events", ev.Name))
	pipe.HIncrBy(ctx, daily, ev.Name, 1)
	pipe.Expire(ctx, daily, analyticsRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record analytics event %s: %w", env.ID, err)
	}
	return nil
}

// ActionCount returns the all-time count for action.
func (r *RedisAnalytics) ActionCount(ctx context.Context, action string) (int64, error) {
	n, err := r.client.Get(ctx, r.key("audit", "action", action)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// DailyActions returns per-action counts for the day containing t.
func (r *RedisAnalytics) DailyActions(ctx context.Context, t time.Time) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.key("audit", "daily", dayKey(t))).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for action, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("daily count for %s: %w", action, err)
		}
		out[action] = n
	}
	return out, nil
}

// UniqueActors estimates distinct acting users for the day containing t.
func (r *RedisAnalytics) UniqueActors(ctx context.Context, t time.Time) (int64, error) {
	return r.client.PFCount(ctx, r.key("audit", "actors", dayKey(t))).Result()
}

// MemoryAnalytics is an in-process AnalyticsSink.
type MemoryAnalytics struct {
	mu      sync.Mutex
	actions map[string]int64
	events  map[string]int64
}

var _ AnalyticsSink = (*MemoryAnalytics)(nil)

func NewMemoryAnalytics() *MemoryAnalytics {
	return &MemoryAnalytics{actions: make(map[string]int64), events: make(map[string]int64)}
}

func (m *MemoryAnalytics) RecordAudit(_ context.Context, _ Envelope, ev AuditEvent) error {
	m.mu.Lock()
	m.actions[ev.Action]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryAnalytics) RecordEvent(_ context.Context, _ Envelope, ev AnalyticsEvent) error {
	m.mu.Lock()
	m.events[ev.Name]++
	m.mu.Unlock()
	return nil
}

// ActionCount returns the count recorded for action.
func (m *MemoryAnalytics) ActionCount(action string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions[action]
}

// EventCount returns the count recorded for an analytics event name.
func (m *MemoryAnalytics) EventCount(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[name]
}
