package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HealthSnapshot is a point-in-time view of the event bus.
type HealthSnapshot struct {
	Timestamp          time.Time           `json:"timestamp"`
	Connected          bool                `json:"connected"`
	CircuitState       CircuitState        `json:"circuitState"`
	BufferedEventCount int                 `json:"bufferedEventCount"`
	QueueStats         map[Queue]QueueStat `json:"queueStats,omitempty"`
	QueueStatsError    string              `json:"queueStatsError,omitempty"`
	ProcessUptime      float64             `json:"processUptime"`
}

// HealthTrends summarizes the retained history.
type HealthTrends struct {
	Samples            int     `json:"samples"`
	BufferedEvents     string  `json:"bufferedEvents"`
	AvgBufferedEvents  float64 `json:"avgBufferedEvents"`
	DisconnectedRatio  float64 `json:"disconnectedRatio"`
	CircuitOpenSamples int     `json:"circuitOpenSamples"`
}

// Buffered event trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// HealthSummary is the response of the health endpoint.
type HealthSummary struct {
	Status  string         `json:"status"`
	Current HealthSnapshot `json:"current"`
	Trends  HealthTrends   `json:"trends"`
}

// processStart approximates process start: package variables are initialized
// before main runs.
var processStart = time.Now()

// HealthMonitor takes snapshots of the publisher and broker and keeps the
// last N of them.
type HealthMonitor struct {
	pub      *Publisher
	broker   Broker
	started  time.Time
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	history []HealthSnapshot
	next    int
	full    bool
}

// NewHealthMonitor creates a monitor retaining cfg.Health.HistorySize snapshots.
func NewHealthMonitor(pub *Publisher, broker Broker, cfg Config) *HealthMonitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		pub:      pub,
		broker:   broker,
		started:  processStart,
		interval: cfg.Health.Interval,
		logger:   logger.With("component", "health"),
		now:      time.Now,
		history:  make([]HealthSnapshot, max(cfg.Health.HistorySize, 1)),
	}
}

// Snapshot captures the current state and appends it to the history.
func (m *HealthMonitor) Snapshot(ctx context.Context) HealthSnapshot {
	now := m.now()
	s := HealthSnapshot{
		Timestamp:          now.UTC(),
		Connected:          m.broker.IsOpen(),
		CircuitState:       m.pub.CircuitState(),
		BufferedEventCount: m.pub.BufferedCount(),
		ProcessUptime:      now.Sub(m.started).Seconds(),
	}
	if qs, ok := m.broker.(QueueStatter); ok && s.Connected {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		stats, err := qs.QueueStats(sctx)
		cancel()
		if err != nil {
			s.QueueStatsError = err.Error()
		} else {
			s.QueueStats = stats
		}
	}

	m.mu.Lock()
	m.history[m.next] = s
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return s
}

// History returns the retained snapshots, oldest first.
func (m *HealthMonitor) History() []HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]HealthSnapshot(nil), m.history[:m.next]...)
	}
	out := make([]HealthSnapshot, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// Summary takes a snapshot and derives status and trends. Status depends only
// on the connection.
func (m *HealthMonitor) Summary(ctx context.Context) HealthSummary {
	current := m.Snapshot(ctx)
	status := "healthy"
	if !current.Connected {
		status = "unhealthy"
	}
	return HealthSummary{Status: status, Current: current, Trends: trends(m.History())}
}

func trends(history []HealthSnapshot) HealthTrends {
	t := HealthTrends{Samples: len(history), BufferedEvents: TrendStable}
	if len(history) == 0 {
		return t
	}
	var total, disconnected int
	for _, s := range history {
		total += s.BufferedEventCount
		if !s.Connected {
			disconnected++
		}
		if s.CircuitState == StateOpen {
			t.CircuitOpenSamples++
		}
	}
	t.AvgBufferedEvents = float64(total) / float64(len(history))
	t.DisconnectedRatio = float64(disconnected) / float64(len(history))
	switch first, last := history[0].BufferedEventCount, history[len(history)-1].BufferedEventCount; {
	case last > first:
		t.BufferedEvents = TrendIncreasing
	case last < first:
		t.BufferedEvents = TrendDecreasing
	}
	return t
}

// Start snapshots every interval until ctx ends, logging unhealthy states.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := m.Snapshot(ctx)
				if !s.Connected || s.CircuitState != StateClosed {
					m.logger.Warn("event bus degraded", "connected", s.Connected, "circuit", s.CircuitState, "buffered", s.BufferedEventCount)
					continue
				}
				m.logger.Debug("event bus healthy", "buffered", s.BufferedEventCount)
			}
		}
	}()
}

// Handler serves the health endpoints:
//
//	GET /health/event-bus                  summary; 503 when unhealthy
//	GET /health/event-bus/metrics          current snapshot and history
//	GET /health/event-bus/circuit-breaker  breaker state and buffer depth
func (m *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/event-bus", m.handleSummary)
	mux.HandleFunc("GET /health/event-bus/metrics", m.handleMetrics)
	mux.HandleFunc("GET /health/event-bus/circuit-breaker", m.handleCircuit)
	return mux
}

func (m *HealthMonitor) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum := m.Summary(r.Context())
	status := http.StatusOK
	if sum.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sum)
}

func (m *HealthMonitor) handleMetrics(w http.ResponseWriter, r *http.Request) {
	current := m.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Current HealthSnapshot   `json:"current"`
		History []HealthSnapshot `json:"history"`
	}{current, m.History()})
}

func (m *HealthMonitor) handleCircuit(w http.ResponseWriter, _ *http.Request) {
	b := m.pub.Breaker()
	resp := struct {
		State          CircuitState `json:"state"`
		Failures       int          `json:"failures"`
		NextAttemptAt  *time.Time   `json:"nextAttemptAt,omitempty"`
		BufferedEvents int          `json:"bufferedEvents"`
		Uptime         float64      `json:"uptime"`
	}{
		State:          b.State(),
		Failures:       b.Failures(),
		BufferedEvents: m.pub.BufferedCount(),
		Uptime:         m.now().Sub(m.started).Seconds(),
	}
	if resp.State != StateClosed {
		next := b.NextAttemptAt()
		resp.NextAttemptAt = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
