package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthFixture(t *testing.T, opts ...Option) (*MemoryBroker, *Publisher, *HealthMonitor) {
	t.Helper()
	broker := NewMemoryBroker(discardLogger())
	t.Cleanup(func() { broker.Disconnect() })
	require.NoError(t, broker.Connect(context.Background()))
	cfg := testConfig(t, opts...)
	pub := NewPublisher(broker, cfg, nil)
	t.Cleanup(func() { pub.Close() })
	return broker, pub, NewHealthMonitor(pub, broker, cfg)
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthSummaryEndpoint(t *testing.T) {
	broker, pub, m := newHealthFixture(t)
	ok, err := pub.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"))
	require.NoError(t, err)
	require.True(t, ok)

	code, body := getJSON(t, m.Handler(), "/health/event-bus")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	current := body["current"].(map[string]any)
	assert.Equal(t, true, current["connected"])
	assert.Equal(t, "CLOSED", current["circuitState"])
	stats := current["queueStats"].(map[string]any)
	assert.Equal(t, float64(1), stats["audit.log"].(map[string]any)["messages"])

	broker.SetAvailable(false)
	code, body = getJSON(t, m.Handler(), "/health/event-bus")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	trends := body["trends"].(map[string]any)
	assert.Equal(t, float64(2), trends["samples"])
	assert.Equal(t, 0.5, trends["disconnectedRatio"])
}

func TestHealthCircuitEndpoint(t *testing.T) {
	broker, pub, m := newHealthFixture(t, WithCircuitBreaker(1, time.Minute, 0), WithRetry(1, 0, time.Second))

	_, body := getJSON(t, m.Handler(), "/health/event-bus/circuit-breaker")
	assert.Equal(t, "CLOSED", body["state"])
	assert.NotContains(t, body, "nextAttemptAt")

	broker.SetPublishError(errBrokerDown)
	pub.Publish(context.Background(), QueueAuditLog, auditEnvelope("login"))

	_, body = getJSON(t, m.Handler(), "/health/event-bus/circuit-breaker")
	assert.Equal(t, "OPEN", body["state"])
	assert.Equal(t, float64(1), body["failures"])
	assert.Equal(t, float64(1), body["bufferedEvents"])
	assert.Contains(t, body, "nextAttemptAt")
}

func TestHealthMetricsEndpoint(t *testing.T) {
	_, _, m := newHealthFixture(t)
	m.Snapshot(context.Background())

	code, body := getJSON(t, m.Handler(), "/health/event-bus/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "current")
	assert.Len(t, body["history"], 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health/event-bus", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthHistoryRing(t *testing.T) {
	_, _, m := newHealthFixture(t, WithHealthHistory(3))
	clock := newFakeClock()
	m.now = clock.Now

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		stamps = append(stamps, m.Snapshot(context.Background()).Timestamp)
		clock.Advance(time.Second)
	}
	history := m.History()
	require.Len(t, history, 3)
	for i, s := range history {
		assert.True(t, stamps[i+2].Equal(s.Timestamp))
	}
}

func TestHealthUptimeCountsFromProcessStart(t *testing.T) {
	_, _, first := newHealthFixture(t)
	time.Sleep(20 * time.Millisecond)
	_, _, second := newHealthFixture(t)

	sinceStart := time.Since(processStart).Seconds()
	uptime := second.Snapshot(context.Background()).ProcessUptime
	assert.GreaterOrEqual(t, uptime, sinceStart, "uptime is not reset by a new monitor")
	assert.InDelta(t, first.Snapshot(context.Background()).ProcessUptime, uptime, 0.5)

	code, body := getJSON(t, second.Handler(), "/health/event-bus/circuit-breaker")
	require.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, body["uptime"].(float64), sinceStart)
}

func TestHealthTrends(t *testing.T) {
	history := []HealthSnapshot{
		{Connected: true, BufferedEventCount: 1},
		{Connected: false, BufferedEventCount: 4, CircuitState: StateOpen},
		{Connected: false, BufferedEventCount: 7, CircuitState: StateOpen},
		{Connected: true, BufferedEventCount: 0},
	}
	tr := trends(history)
	assert.Equal(t, 4, tr.Samples)
	assert.Equal(t, TrendDecreasing, tr.BufferedEvents)
	assert.Equal(t, 3.0, tr.AvgBufferedEvents)
	assert.Equal(t, 0.5, tr.DisconnectedRatio)
	assert.Equal(t, 2, tr.CircuitOpenSamples)

	assert.Equal(t, TrendIncreasing, trends(history[:3]).BufferedEvents)
	assert.Equal(t, TrendStable, trends(nil).BufferedEvents)
}
