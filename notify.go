package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCriticalActions are the audit actions that raise an alert when no
// list is configured.
var DefaultCriticalActions = []string{
	"login.failed",
	"user.deleted",
	"role.assigned",
	"permission.granted",
	"api_key.revoked",
}

// Alert describes one critical audit event.
type Alert struct {
	EventID       string         `json:"eventId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	ResourceID    string         `json:"resourceId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	IP            string         `json:"ip,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to a logger.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("critical audit action",
		"action", a.Action, "resource", a.Resource, "resource_id", a.ResourceID,
		"user_id", a.UserID, "ip", a.IP, "id", a.EventID)
	return nil
}

// WebhookAlerter POSTs alerts as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter posts to url with client, or with a 5s-timeout client when nil.
func NewWebhookAlerter(url string, client *http.Client) *WebhookAlerter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookAlerter{url: url, client: client}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Notifier checks audit actions against the critical list and fans alerts out
// to its alerters. Each action is throttled by its own token bucket.
type Notifier struct {
	critical map[string]struct{}
	alerters []Alerter
	limit    rate.Limit
	burst    int
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier builds a notifier from cfg. A zero AlertRate disables
// throttling.
func NewNotifier(cfg AuditConfig, logger *slog.Logger, alerters ...Alerter) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	actions := cfg.CriticalActions
	if len(actions) == 0 {
		actions = DefaultCriticalActions
	}
	critical := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		critical[a] = struct{}{}
	}
	limit := rate.Limit(cfg.AlertRate)
	if cfg.AlertRate <= 0 {
		limit = rate.Inf
	}
	return &Notifier{
		critical: critical,
		alerters: alerters,
		limit:    limit,
		burst:    max(cfg.AlertBurst, 1),
		logger:   logger.With("component", "pipeline"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// IsCritical reports whether action is on the critical list.
func (n *Notifier) IsCritical(action string) bool {
	_, ok := n.critical[action]
	return ok
}

func (n *Notifier) allow(action string) bool {
	n.mu.Lock()
	lim, ok := n.limiters[action]
	if !ok {
		lim = rate.NewLimiter(n.limit, n.burst)
		n.limiters[action] = lim
	}
	n.mu.Unlock()
	return lim.Allow()
}

// Notify alerts on ev when its action is critical and not throttled. It
// reports whether an alert was sent; alerter failures are joined.
func (n *Notifier) Notify(ctx context.Context, env Envelope, ev AuditEvent) (bool, error) {
	if !n.IsCritical(ev.Action) {
		return false, nil
	}
	if !n.allow(ev.Action) {
		n.logger.Debug("alert throttled", "action", ev.Action, "id", env.ID)
		return false, nil
	}
	a := Alert{
		EventID:       env.ID,
		CorrelationID: env.CorrelationID,
		Action:        ev.Action,
		Resource:      ev.Resource,
		ResourceID:    ev.ResourceID,
		UserID:        ev.UserID,
		IP:            ev.IP,
		Details:       SanitizeDetails(ev.Details),
		Timestamp:     env.Timestamp,
	}
	var errs []error
	for _, al := range n.alerters {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}
