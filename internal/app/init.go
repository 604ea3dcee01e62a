package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/traceway/traceway/internal/auth"
	twCache "github.com/traceway/traceway/internal/cache"
	"github.com/traceway/traceway/internal/metrics"
	"github.com/traceway/traceway/internal/proxy"
	"github.com/traceway/traceway/internal/queue"
	"github.com/traceway/traceway/internal/ratelimit"
	"github.com/traceway/traceway/internal/store/postgres"
	"github.com/traceway/traceway/internal/telemetry"
	"github.com/traceway/traceway/internal/tokenizer"
	"github.com/traceway/traceway/internal/translate"
	"github.com/traceway/traceway/internal/wallet"
)

// initInfra establishes optional external connections.
// Redis powers the cache, the rate limiter and the log queue; Postgres
// powers key auth and wallet metering. Both degrade gracefully when absent.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Postgres.URL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Postgres.URL)))

		pg, err := postgres.New(a.cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.log.Info("postgres connected")
	}

	return nil
}

// initProviders builds the LLM provider map. Config validation already
// requires at least one key, so an empty map here means a wiring bug.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, telemetry producer and Prometheus
// metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = twCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// Log records go onto the durable queue only when Redis is available;
	// a gateway without Redis still serves traffic, just without telemetry.
	if a.rdb != nil {
		primary := queue.NewProducer(a.rdb, queue.StreamNormal)

		var secondary telemetry.Enqueuer
		if a.cfg.Telemetry.MirrorStream != "" {
			secondary = queue.NewProducer(a.rdb, a.cfg.Telemetry.MirrorStream)
			a.log.Info("telemetry mirror enabled", slog.String("stream", a.cfg.Telemetry.MirrorStream))
		}

		producer, err := telemetry.NewProducer(a.baseCtx, primary, secondary, a.log)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a.producer = producer
	} else {
		a.log.Warn("redis not configured; request telemetry disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		ProviderTimeout: a.cfg.ProviderTimeout,
		CacheTTL:        a.cfg.Cache.TTL,
		Metrics:         a.prom,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, translate.NewRegistry(), a.buildResolver(), opts)

	// ── Rate limiting ────────────────────────────────────────────────────────
	// Redis gives a shared sliding window across replicas; the in-process
	// limiter is per-replica and only correct for single-node deployments.
	if a.rdb != nil {
		gw.SetRateLimiter(ratelimit.NewRedisLimiter(a.rdb))
	} else {
		gw.SetRateLimiter(ratelimit.NewMemoryLimiter())
		a.log.Warn("using in-process rate limiter; limits are per-replica")
	}
	if p, err := ratelimit.ParsePolicy(a.cfg.RateLimit.DefaultPolicy); err == nil {
		gw.SetDefaultPolicy(p)
	}

	// ── Wallet metering ──────────────────────────────────────────────────────
	if a.pg != nil {
		gw.SetWallet(wallet.NewService(a.pg))
	}

	// ── Response cache ───────────────────────────────────────────────────────
	if err := a.wireCache(ctx, gw); err != nil {
		return err
	}

	// ── Cache exclusions ─────────────────────────────────────────────────────
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := twCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	gw.SetTokenizer(tokenizer.NewPool())

	if a.producer != nil {
		gw.SetTelemetry(a.producer)
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildResolver picks the credential source: Postgres when configured,
// otherwise the static development keystore, otherwise nothing (all
// requests rejected).
func (a *App) buildResolver() *auth.Resolver {
	if a.pg != nil {
		return auth.NewResolver(a.pg)
	}
	if len(a.cfg.AuthStaticKeys) > 0 {
		a.log.Warn("using static development keys; configure DATABASE_URL for real auth")
		return auth.NewResolver(auth.NewStaticKeystore("dev", a.cfg.AuthStaticKeys))
	}
	a.log.Warn("no credential store configured; all requests will be rejected")
	return nil
}

// wireCache builds the region-partitioned response cache and its readiness
// probe according to the configured mode.
func (a *App) wireCache(ctx context.Context, gw *proxy.Gateway) error {
	var def twCache.Cache
	cacheReady := func() bool { return true }

	switch a.cfg.Cache.Mode {
	case "redis":
		def = twCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		def = a.memCache
	case "none":
		gw.SetCacheReadyProbe(cacheReady)
		return nil
	}

	store := twCache.NewRegionalStore(def)
	for region, url := range a.cfg.RegionBackends() {
		backend, err := twCache.NewExactCacheFromURL(ctx, url)
		if err != nil {
			return fmt.Errorf("cache region %s: %w", region, err)
		}
		store.Register(region, backend)
		a.regionCaches = append(a.regionCaches, backend)
		a.log.Info("cache region registered",
			slog.String("region", region),
			slog.String("url", redactURL(url)),
		)
	}

	gw.SetCache(store)
	gw.SetCacheReadyProbe(cacheReady)
	return nil
}
