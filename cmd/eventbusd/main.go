// Command eventbusd runs the event bus consumers: the audit pipeline, the other
// queue consumers, the health endpoints and the Prometheus exporter.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dr4tinymous/eventbus"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	brokerKind := flag.String("broker", "kafka", "Broker implementation: kafka or memory")
	flag.Parse()

	if err := run(*cfgPath, *brokerKind); err != nil {
		slog.Error("eventbusd failed", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath, brokerKind string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := eventbus.NewPrometheusMetrics(reg)

	cfg, err := eventbus.LoadConfig(cfgPath, eventbus.WithMetrics(metrics))
	if err != nil {
		return err
	}
	logger, logCloser := eventbus.NewLogger(cfg.Log, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)
	cfg.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	db, err := sql.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open %s database: %w", cfg.Store.Driver, err)
	}
	defer db.Close()
	if err := eventbus.SetupDatabase(ctx, db); err != nil {
		return err
	}
	store := eventbus.NewSQLAuditStore(db, cfg.Store.Driver)

	var analytics eventbus.AnalyticsSink = eventbus.NewMemoryAnalytics()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, analytics counters will fail until it recovers", "addr", cfg.Redis.Addr, "err", err)
		}
		analytics = eventbus.NewRedisAnalytics(rdb, cfg.Redis.KeyPrefix)
	}

	// ── Broker ────────────────────────────────────────────────────────────────
	var broker eventbus.Broker
	switch brokerKind {
	case "kafka":
		broker = eventbus.NewKafkaBroker(cfg)
	case "memory":
		broker = eventbus.NewMemoryBroker(logger)
	default:
		return fmt.Errorf("unknown broker %q", brokerKind)
	}
	err = eventbus.Retry(ctx, eventbus.RetryPolicy{
		Attempts: 10,
		Delay:    time.Second,
		Timeout:  cfg.Broker.DialTimeout,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("broker connect failed", "attempt", attempt, "retry_in", wait, "err", err)
		},
	}, broker.Connect)
	if err != nil {
		return err
	}
	defer broker.Disconnect()

	fallback, err := eventbus.NewDiskFallback(cfg.Overflow)
	if err != nil {
		return err
	}
	publisher := eventbus.NewPublisher(broker, cfg, fallback)
	events := eventbus.NewEventPublisher(publisher, fallback, logger, metrics)

	// ── Consumers ─────────────────────────────────────────────────────────────
	alerters := []eventbus.Alerter{eventbus.LogAlerter{Logger: logger}}
	if cfg.Audit.AlertWebhookURL != "" {
		alerters = append(alerters, eventbus.NewWebhookAlerter(cfg.Audit.AlertWebhookURL, nil))
	}
	notifier := eventbus.NewNotifier(cfg.Audit, logger, alerters...)

	registry := eventbus.NewConsumerRegistry(broker, cfg)
	pipeline := eventbus.NewAuditPipeline(registry, store, analytics, notifier, cfg)
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	if err := startQueueConsumers(ctx, registry, analytics, logger); err != nil {
		return err
	}

	// ── Health and metrics ────────────────────────────────────────────────────
	monitor := eventbus.NewHealthMonitor(publisher, broker, cfg)
	monitor.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/health/", monitor.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			cancel()
		}
	}()

	if cfg.ReplayOnStartup {
		go func() {
			replayer := eventbus.NewReplayer(events, broker, cfg)
			if _, err := replayer.Run(ctx); err != nil {
				logger.Error("startup replay failed", "err", err)
			}
		}()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel()
	if err := publisher.Close(); err != nil {
		logger.Error("publisher close", "err", err)
	}
	logger.Info("goodbye")
	return nil
}

// startQueueConsumers registers the non-audit queue consumers. Their business
// handling lives in the services that own those domains; here they are logged
// and the analytics events are counted.
func startQueueConsumers(ctx context.Context, registry *eventbus.ConsumerRegistry, analytics eventbus.AnalyticsSink, logger *slog.Logger) error {
	if err := registry.StartUserEventsConsumer(ctx, func(_ context.Context, env eventbus.Envelope, ev eventbus.UserEvent) error {
		logger.Info("user event", "type", ev.Type, "user_id", ev.UserID, "id", env.ID)
		return nil
	}); err != nil {
		return err
	}
	if err := registry.StartAPIKeyEventsConsumer(ctx, func(_ context.Context, env eventbus.Envelope, ev eventbus.APIKeyEvent) error {
		logger.Info("api key event", "type", ev.Type, "key_id", ev.KeyID, "id", env.ID)
		return nil
	}); err != nil {
		return err
	}
	if err := registry.StartRBACEventsConsumer(ctx, func(_ context.Context, env eventbus.Envelope, ev eventbus.RBACEvent) error {
		logger.Info("rbac event", "type", ev.Type, "role_id", ev.RoleID, "id", env.ID)
		return nil
	}); err != nil {
		return err
	}
	return registry.StartAnalyticsEventsConsumer(ctx, analytics.RecordEvent)
}
