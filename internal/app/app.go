// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, Postgres)
//  2. initProviders — LLM provider clients
//  3. initServices — cache, telemetry producer, metrics registry
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	twCache "github.com/traceway/traceway/internal/cache"
	"github.com/traceway/traceway/internal/config"
	"github.com/traceway/traceway/internal/metrics"
	"github.com/traceway/traceway/internal/providers"
	anthropicprov "github.com/traceway/traceway/internal/providers/anthropic"
	geminiprov "github.com/traceway/traceway/internal/providers/gemini"
	openaiprov "github.com/traceway/traceway/internal/providers/openai"
	"github.com/traceway/traceway/internal/proxy"
	"github.com/traceway/traceway/internal/store/postgres"
	"github.com/traceway/traceway/internal/telemetry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client
	pg  *postgres.Store

	producer *telemetry.Producer
	memCache *twCache.MemoryCache

	// regionCaches hold per-region Redis connections opened by wireCache.
	regionCaches []*twCache.ExactCache

	prom *metrics.Registry

	provs map[string]providers.Provider
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
		a.producer = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	for _, c := range a.regionCaches {
		if err := c.Close(); err != nil {
			a.log.Error("region cache close error", slog.String("error", err.Error()))
		}
	}
	a.regionCaches = nil
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.Error("postgres close error", slog.String("error", err.Error()))
		}
		a.pg = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// readiness endpoint. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates a provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provs["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
