// Command consumer drains the durable log queues into ClickHouse.
//
// Three worker pools run side by side — normal request logs, score updates,
// and the dead-letter queue — each acknowledging messages only after the
// sink accepts them. SIGTERM triggers a graceful drain bounded by
// SHUTDOWN_TIMEOUT; anything unacknowledged at that point stays pending and
// is redelivered after restart.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/traceway/traceway/internal/config"
	"github.com/traceway/traceway/internal/congestion"
	"github.com/traceway/traceway/internal/consumer"
	"github.com/traceway/traceway/internal/metrics"
	"github.com/traceway/traceway/internal/queue"
	"github.com/traceway/traceway/internal/store/clickhouse"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateConsumer(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// ── External connections ─────────────────────────────────────────────────
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	sink, err := clickhouse.NewSink(ctx, clickhouse.Options{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	defer sink.Close()

	prom := metrics.New()
	prom.SetBuildInfo(version)

	// ── Queues and pools ─────────────────────────────────────────────────────
	hostname, _ := os.Hostname()
	group := cfg.Consumer.Group

	pools := []struct {
		stream     string
		name       string
		workers    int
		permissive bool
	}{
		{queue.StreamNormal, "normal", cfg.Consumer.Workers, false},
		{queue.StreamScores, "scores", cfg.Consumer.ScoreWorkers, false},
		{queue.StreamDLQ, "dlq", cfg.Consumer.DLQWorkers, true},
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	depths := make(map[string]congestion.DepthFunc, len(pools))

	for _, p := range pools {
		q, err := queue.NewConsumer(ctx, rdb, p.stream, group, fmt.Sprintf("%s-%s", hostname, p.name))
		if err != nil {
			return fmt.Errorf("queue %s: %w", p.stream, err)
		}

		stream := p.stream
		depths[stream] = func(dctx context.Context) (int64, error) {
			d, err := q.Depth(dctx)
			if err == nil {
				prom.SetQueueDepth(stream, d)
			}
			return d, err
		}

		pool := consumer.NewPool(p.name, q, sink, p.workers, p.permissive, logger)
		g.Go(func() error { return pool.Run(gctx) })

		logger.Info("pool started",
			slog.String("pool", p.name),
			slog.String("stream", p.stream),
			slog.Int("workers", p.workers),
		)
	}

	// ── Congestion watcher ───────────────────────────────────────────────────
	watcher := congestion.NewWatcher(runCtx, depths,
		cfg.Consumer.CongestionLowWater, cfg.Consumer.CongestionHighWater,
		promNotifier{prom}, logger)
	defer watcher.Close()

	// ── Metrics endpoint ─────────────────────────────────────────────────────
	srv := &fasthttp.Server{Handler: managementHandler(prom, watcher)}
	g.Go(func() error {
		return srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	})

	logger.Info("consumer started",
		slog.String("version", version),
		slog.String("group", group),
		slog.Int("port", cfg.Port),
	)

	// ── Bounded shutdown ─────────────────────────────────────────────────────
	sm := consumer.NewShutdownManager(cfg.Consumer.ShutdownTimeout, logger)
	sm.Register("pools", func(sctx context.Context) error {
		cancel()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	sm.Register("http", func(sctx context.Context) error {
		return srv.ShutdownWithContext(sctx)
	})

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-gctx.Done():
		logger.Error("worker group failed; shutting down")
	}

	return sm.Shutdown(context.WithoutCancel(ctx))
}

// promNotifier mirrors congestion transitions into the metrics registry.
type promNotifier struct {
	prom *metrics.Registry
}

func (n promNotifier) Notify(_ context.Context, alerted bool, depth int64) {
	n.prom.SetCongestion(alerted)
}

// managementHandler serves the consumer's management surface: metrics,
// liveness and the congestion flag.
func managementHandler(prom *metrics.Registry, watcher *congestion.Watcher) fasthttp.RequestHandler {
	metricsHandler := prom.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/health":
			ctx.SetContentType("application/json")
			fmt.Fprintf(ctx, `{"status":"ok","congested":%t,"depth":%d}`,
				watcher.Alerted(), watcher.Depth())
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: l,
	}))
}
