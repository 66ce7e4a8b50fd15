// Command eventbus-replay republishes events from the disk overflow logs. By
// default it runs one pass and exits non-zero if any line failed; with -watch
// it keeps running and replays whenever an overflow file changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dr4tinymous/eventbus"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	dir := flag.String("dir", "", "Overflow directory (overrides config)")
	watch := flag.Bool("watch", false, "Keep running and replay on every overflow file change")
	debounce := flag.Duration("debounce", 2*time.Second, "Quiet period before a watched change triggers a pass")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code, err := run(ctx, *cfgPath, *dir, *watch, *debounce)
	stop()
	if err != nil {
		slog.Error("replay failed", "err", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, cfgPath, dir string, watch bool, debounce time.Duration) (int, error) {
	cfg, err := eventbus.LoadConfig(cfgPath)
	if err != nil {
		return 2, err
	}
	if dir != "" {
		cfg.Overflow.Dir = dir
	}
	logger, closer := eventbus.NewLogger(cfg.Log, os.Stderr)
	defer closer.Close()
	slog.SetDefault(logger)
	cfg.Logger = logger

	broker := eventbus.NewKafkaBroker(cfg)
	if err := broker.Connect(ctx); err != nil {
		return 1, fmt.Errorf("broker unavailable, overflow files left in place: %w", err)
	}
	defer broker.Disconnect()

	// Replay never buffers or spills, so the publisher gets no disk fallback.
	publisher := eventbus.NewPublisher(broker, cfg, nil)
	defer publisher.Close()
	events := eventbus.NewEventPublisher(publisher, nil, logger, cfg.Metrics)
	replayer := eventbus.NewReplayer(events, broker, cfg)

	if watch {
		return 0, replayer.Watch(ctx, debounce)
	}
	report, err := replayer.Run(ctx)
	if err != nil {
		return 1, err
	}
	if report.Failed > 0 {
		return 1, nil
	}
	return 0, nil
}
