package eventbus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsumerMode selects how the three audit consumer roles share the audit queue.
type ConsumerMode string

const (
	// ConsumerModeFanout gives every role its own consumer group, so each role
	// sees every audit event.
	ConsumerModeFanout ConsumerMode = "fanout"
	// ConsumerModeCompeting binds all roles to one group; each event reaches
	// exactly one role.
	ConsumerModeCompeting ConsumerMode = "competing"
	// ConsumerModeCombined registers a single handler that runs all roles per
	// event.
	ConsumerModeCombined ConsumerMode = "combined"
)

// DiskFallbackScope selects which event kinds get the disk overflow fallback.
type DiskFallbackScope string

const (
	DiskFallbackAudit DiskFallbackScope = "audit"
	DiskFallbackAll   DiskFallbackScope = "all"
)

// BrokerConfig describes the broker connection and topology.
type BrokerConfig struct {
	Brokers           []string      `yaml:"brokers"`
	ClientID          string        `yaml:"client_id"`
	Exchange          string        `yaml:"exchange"`
	Partitions        int32         `yaml:"partitions"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	QueuePrefix       string        `yaml:"queue_prefix"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// Topic returns the broker topic backing q: the exchange namespace, the queue
// prefix, then the queue name.
func (b BrokerConfig) Topic(q Queue) string {
	name := b.QueuePrefix + string(q)
	if b.Exchange == "" {
		return name
	}
	return b.Exchange + "." + name
}

// RetryConfig parameterizes the publish retry decorator.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CircuitConfig parameterizes the publisher's circuit breaker.
type CircuitConfig struct {
	Threshold        int           `yaml:"threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
}

// PrefetchConfig holds per-queue consumer prefetch counts.
type PrefetchConfig struct {
	Audit        int `yaml:"audit"`
	UserEvents   int `yaml:"user_events"`
	APIKeyEvents int `yaml:"api_key_events"`
	RBACEvents   int `yaml:"rbac_events"`
	Analytics    int `yaml:"analytics"`
}

// For returns the prefetch configured for q.
func (p PrefetchConfig) For(q Queue) int {
	switch q {
	case QueueAuditLog:
		return p.Audit
	case QueueUserEvents:
		return p.UserEvents
	case QueueAPIKeyEvents:
		return p.APIKeyEvents
	case QueueRBACEvents:
		return p.RBACEvents
	case QueueAnalyticsEvents:
		return p.Analytics
	}
	return 1
}

// OverflowConfig locates the disk overflow logs.
type OverflowConfig struct {
	Dir      string            `yaml:"dir"`
	Identity string            `yaml:"identity"`
	Scope    DiskFallbackScope `yaml:"scope"`
}

// AuditConfig configures the audit pipeline.
type AuditConfig struct {
	ConsumerMode    ConsumerMode `yaml:"consumer_mode"`
	CriticalActions []string     `yaml:"critical_actions"`
	AlertWebhookURL string       `yaml:"alert_webhook_url"`
	AlertRate       float64      `yaml:"alert_rate"`
	AlertBurst      int          `yaml:"alert_burst"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	HistorySize int           `yaml:"history_size"`
	Interval    time.Duration `yaml:"interval"`
}

// StoreConfig selects the audit database.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig points the analytics consumer at Redis. An empty Addr keeps
// analytics in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the immutable configuration shared by every component. Build it
// once at startup with NewConfig.
type Config struct {
	Source   string         `yaml:"source"`
	Broker   BrokerConfig   `yaml:"broker"`
	Retry    RetryConfig    `yaml:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Buffer   int            `yaml:"buffer_capacity"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Overflow OverflowConfig `yaml:"overflow"`
	Audit    AuditConfig    `yaml:"audit"`
	Health   HealthConfig   `yaml:"health"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTPAddr string         `yaml:"http_addr"`
	Log      LogConfig      `yaml:"log"`

	ReplayOnStartup bool `yaml:"replay_on_startup"`

	Logger  *slog.Logger `yaml:"-"`
	Metrics Metrics      `yaml:"-"`
}

// DefaultConfig returns the defaults every option is applied on top of.
func DefaultConfig() Config {
	return Config{
		Source: "eventbus",
		Broker: BrokerConfig{
			Brokers:           []string{"localhost:9092"},
			ClientID:          "eventbus",
			Exchange:          "events",
			Partitions:        3,
			ReplicationFactor: 1,
			DialTimeout:       10 * time.Second,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    time.Second,
			Timeout:  5 * time.Second,
		},
		Circuit: CircuitConfig{
			Threshold:        5,
			Timeout:          60 * time.Second,
			MonitoringPeriod: 10 * time.Second,
		},
		Buffer: 1000,
		Prefetch: PrefetchConfig{
			Audit:        10,
			UserEvents:   5,
			APIKeyEvents: 5,
			RBACEvents:   5,
			Analytics:    20,
		},
		Overflow: OverflowConfig{
			Dir:   "logs",
			Scope: DiskFallbackAudit,
		},
		Audit: AuditConfig{
			ConsumerMode: ConsumerModeFanout,
			AlertRate:    1,
			AlertBurst:   5,
		},
		Health: HealthConfig{
			HistorySize: 100,
			Interval:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "file:audit.db?_busy_timeout=5000",
		},
		Redis:    RedisConfig{KeyPrefix: "eventbus:"},
		HTTPAddr: ":8080",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

// NewConfig applies opts over DefaultConfig and resolves the pod identity.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Overflow.Identity == "" {
		cfg.Overflow.Identity = ResolvePodIdentity(os.Getenv)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return cfg
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Broker.Brokers) == 0 {
		errs = append(errs, errors.New("broker.brokers must not be empty"))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be >= 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.Timeout <= 0 {
		errs = append(errs, errors.New("retry.timeout must be positive"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}
	if c.Circuit.Threshold < 1 {
		errs = append(errs, fmt.Errorf("circuit.threshold must be >= 1, got %d", c.Circuit.Threshold))
	}
	if c.Circuit.Timeout <= 0 {
		errs = append(errs, errors.New("circuit.timeout must be positive"))
	}
	if c.Buffer < 1 {
		errs = append(errs, fmt.Errorf("buffer_capacity must be >= 1, got %d", c.Buffer))
	}
	switch c.Audit.ConsumerMode {
	case ConsumerModeFanout, ConsumerModeCompeting, ConsumerModeCombined:
	default:
		errs = append(errs, fmt.Errorf("audit.consumer_mode %q is not one of fanout, competing, combined", c.Audit.ConsumerMode))
	}
	switch c.Overflow.Scope {
	case DiskFallbackAudit, DiskFallbackAll:
	default:
		errs = append(errs, fmt.Errorf("overflow.scope %q is not one of audit, all", c.Overflow.Scope))
	}
	if c.Health.HistorySize < 1 {
		errs = append(errs, errors.New("health.history_size must be >= 1"))
	}
	return errors.Join(errs...)
}

// WithBrokers sets the broker bootstrap addresses.
func WithBrokers(addrs ...string) Option {
	return func(cfg *Config) { cfg.Broker.Brokers = addrs }
}

// WithExchange sets the exchange namespace and queue prefix.
func WithExchange(name, queuePrefix string) Option {
	return func(cfg *Config) {
		cfg.Broker.Exchange = name
		cfg.Broker.QueuePrefix = queuePrefix
	}
}

// WithSourceName sets the source stamped on envelopes that carry none.
func WithSourceName(source string) Option {
	return func(cfg *Config) { cfg.Source = source }
}

// WithRetry configures publish attempts, the base backoff delay and the
// per-attempt timeout.
func WithRetry(attempts int, delay, timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.Retry = RetryConfig{Attempts: attempts, Delay: delay, Timeout: timeout}
	}
}

// WithCircuitBreaker configures the failure threshold, the open cool-down and
// the window after which the failure count decays.
func WithCircuitBreaker(threshold int, timeout, monitoringPeriod time.Duration) Option {
	return func(cfg *Config) {
		cfg.Circuit = CircuitConfig{Threshold: threshold, Timeout: timeout, MonitoringPeriod: monitoringPeriod}
	}
}

// WithBufferCapacity sets the in-memory offline buffer capacity.
func WithBufferCapacity(n int) Option {
	return func(cfg *Config) { cfg.Buffer = n }
}

// WithOverflowDir sets the directory holding the disk overflow logs.
func WithOverflowDir(dir string) Option {
	return func(cfg *Config) { cfg.Overflow.Dir = dir }
}

// WithPodIdentity overrides the identity used in overflow file names.
func WithPodIdentity(id string) Option {
	return func(cfg *Config) { cfg.Overflow.Identity = id }
}

// WithDiskFallbackScope selects which event kinds fall back to disk.
func WithDiskFallbackScope(scope DiskFallbackScope) Option {
	return func(cfg *Config) { cfg.Overflow.Scope = scope }
}

// WithAuditConsumerMode selects competing, fan-out or combined audit roles.
func WithAuditConsumerMode(mode ConsumerMode) Option {
	return func(cfg *Config) { cfg.Audit.ConsumerMode = mode }
}

// WithHealthHistory sets the number of retained health snapshots.
func WithHealthHistory(n int) Option {
	return func(cfg *Config) { cfg.Health.HistorySize = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

// WithMetrics sets the metrics sink. Use NewPrometheusMetrics for Prometheus.
func WithMetrics(m Metrics) Option {
	return func(cfg *Config) { cfg.Metrics = m }
}

// LoadConfigFile reads a YAML file and returns an Option overlaying the keys it
// sets. Keys absent from the file keep their current values.
func LoadConfigFile(path string) (Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var probe Config
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return func(cfg *Config) {
		_ = yaml.Unmarshal(data, cfg)
	}, nil
}

// LoadConfig layers defaults, opts, the YAML file at path (skipped when empty)
// and EVENTBUS_* variables, in that order, then validates the result.
func LoadConfig(path string, opts ...Option) (Config, error) {
	layered := append([]Option(nil), opts...)
	if path != "" {
		fileOpt, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		layered = append(layered, fileOpt)
	}
	layered = append(layered, LoadConfigFromEnv()...)
	cfg := NewConfig(layered...)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromEnv returns options for every EVENTBUS_* variable that is set.
// Malformed values are ignored.
//
// Supported variables:
//   - EVENTBUS_BROKERS (comma separated), EVENTBUS_CLIENT_ID, EVENTBUS_EXCHANGE, EVENTBUS_QUEUE_PREFIX
//   - EVENTBUS_RETRY_ATTEMPTS, EVENTBUS_RETRY_DELAY, EVENTBUS_PUBLISH_TIMEOUT
//   - EVENTBUS_CIRCUIT_THRESHOLD, EVENTBUS_CIRCUIT_TIMEOUT, EVENTBUS_CIRCUIT_MONITORING_PERIOD
//   - EVENTBUS_BUFFER_CAPACITY, EVENTBUS_PREFETCH_AUDIT, EVENTBUS_PREFETCH_USER_EVENTS,
//     EVENTBUS_PREFETCH_API_KEY_EVENTS, EVENTBUS_PREFETCH_RBAC_EVENTS
//   - EVENTBUS_OVERFLOW_DIR, EVENTBUS_DISK_FALLBACK, EVENTBUS_AUDIT_CONSUMER_MODE
//   - EVENTBUS_DB_DRIVER, EVENTBUS_DB_DSN, EVENTBUS_REDIS_ADDR, EVENTBUS_ALERT_WEBHOOK_URL
//   - EVENTBUS_HTTP_ADDR, EVENTBUS_LOG_LEVEL, EVENTBUS_LOG_FILE, EVENTBUS_REPLAY_ON_STARTUP
func LoadConfigFromEnv() []Option {
	return loadConfigFromLookup(os.LookupEnv)
}

func loadConfigFromLookup(lookup func(string) (string, bool)) []Option {
	var opts []Option
	str := func(key string, set func(*Config, string)) {
		if v, ok := lookup(key); ok && v != "" {
			opts = append(opts, func(cfg *Config) { set(cfg, v) })
		}
	}
	num := func(key string, set func(*Config, int)) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				opts = append(opts, func(cfg *Config) { set(cfg, n) })
			}
		}
	}
	dur := func(key string, set func(*Config, time.Duration)) {
		if v, ok := lookup(key); ok && v != "" {
			if d, err := parseDuration(v); err == nil {
				opts = append(opts, func(cfg *Config) { set(cfg, d) })
			}
		}
	}

	str("EVENTBUS_BROKERS", func(c *Config, v string) { c.Broker.Brokers = splitList(v) })
	str("EVENTBUS_CLIENT_ID", func(c *Config, v string) { c.Broker.ClientID = v })
	str("EVENTBUS_EXCHANGE", func(c *Config, v string) { c.Broker.Exchange = v })
	str("EVENTBUS_QUEUE_PREFIX", func(c *Config, v string) { c.Broker.QueuePrefix = v })
	num("EVENTBUS_RETRY_ATTEMPTS", func(c *Config, n int) { c.Retry.Attempts = n })
	dur("EVENTBUS_RETRY_DELAY", func(c *Config, d time.Duration) { c.Retry.Delay = d })
	dur("EVENTBUS_PUBLISH_TIMEOUT", func(c *Config, d time.Duration) { c.Retry.Timeout = d })
	num("EVENTBUS_CIRCUIT_THRESHOLD", func(c *Config, n int) { c.Circuit.Threshold = n })
	dur("EVENTBUS_CIRCUIT_TIMEOUT", func(c *Config, d time.Duration) { c.Circuit.Timeout = d })
	dur("EVENTBUS_CIRCUIT_MONITORING_PERIOD", func(c *Config, d time.Duration) { c.Circuit.MonitoringPeriod = d })
	num("EVENTBUS_BUFFER_CAPACITY", func(c *Config, n int) { c.Buffer = n })
	num("EVENTBUS_PREFETCH_AUDIT", func(c *Config, n int) { c.Prefetch.Audit = n })
	num("EVENTBUS_PREFETCH_USER_EVENTS", func(c *Config, n int) { c.Prefetch.UserEvents = n })
	num("EVENTBUS_PREFETCH_API_KEY_EVENTS", func(c *Config, n int) { c.Prefetch.APIKeyEvents = n })
	num("EVENTBUS_PREFETCH_RBAC_EVENTS", func(c *Config, n int) { c.Prefetch.RBACEvents = n })
	str("EVENTBUS_OVERFLOW_DIR", func(c *Config, v string) { c.Overflow.Dir = v })
	str("EVENTBUS_DISK_FALLBACK", func(c *Config, v string) { c.Overflow.Scope = DiskFallbackScope(v) })
	str("EVENTBUS_AUDIT_CONSUMER_MODE", func(c *Config, v string) { c.Audit.ConsumerMode = ConsumerMode(v) })
	str("EVENTBUS_DB_DRIVER", func(c *Config, v string) { c.Store.Driver = v })
	str("EVENTBUS_DB_DSN", func(c *Config, v string) { c.Store.DSN = v })
	str("EVENTBUS_REDIS_ADDR", func(c *Config, v string) { c.Redis.Addr = v })
	str("EVENTBUS_ALERT_WEBHOOK_URL", func(c *Config, v string) { c.Audit.AlertWebhookURL = v })
	str("EVENTBUS_HTTP_ADDR", func(c *Config, v string) { c.HTTPAddr = v })
	str("EVENTBUS_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v })
	str("EVENTBUS_LOG_FILE", func(c *Config, v string) { c.Log.File = v })
	str("EVENTBUS_REPLAY_ON_STARTUP", func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ReplayOnStartup = b
		}
	})
	return opts
}

// parseDuration accepts Go durations ("5s") and bare milliseconds ("5000").
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ResolvePodIdentity derives the overflow file identity from POD_NAME,
// HOSTNAME or CONTAINER_NAME, falling back to "default". The result is safe to
// embed in a file name.
func ResolvePodIdentity(getenv func(string) string) string {
	for _, key := range []string{"POD_NAME", "HOSTNAME", "CONTAINER_NAME"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return sanitizeIdentity(v)
		}
	}
	return "default"
}

func sanitizeIdentity(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
