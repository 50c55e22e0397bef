package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-bridge/internal/breaker"
	bridgecache "github.com/nulpointcorp/llm-bridge/internal/cache"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
)

// initInfra establishes optional external connections. Redis is required
// when the cache has a Redis tier or the rate limiter is enabled; ClickHouse
// only when a CLICKHOUSE_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "tiered" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))

		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initProviders runs the dispatch table for every configured provider and
// builds the registry. Config validation already guarantees at least one key
// and a valid default.
func (a *App) initProviders(ctx context.Context) error {
	provs := make(map[string]providers.Provider)
	for _, name := range configuredProviders(a.cfg) {
		build := providerBuilders[name]
		p, err := build(ctx, a.cfg, a.log.With(slog.String("provider", name)))
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		provs[name] = p
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	registry, err := providers.NewRegistry(provs, a.cfg.DefaultProvider, a.log)
	if err != nil {
		return err
	}
	a.registry = registry

	a.log.Info("providers loaded",
		slog.Any("providers", registry.Names()),
		slog.String("default", registry.DefaultName()),
	)
	return nil
}

// initServices creates the cache backend, Prometheus registry and the async
// request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "tiered":
		// Memory tier in front of Redis; both created in initServer.
		a.memCache = bridgecache.NewMemory(ctx)
		a.log.Info("cache backend: tiered (memory + redis)")

	case "memory":
		a.memCache = bridgecache.NewMemory(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	reqLogger, err := logger.New(ctx, sink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initServer wires the pipeline, health checker and HTTP server.
func (a *App) initServer(_ context.Context) error {
	var cacheImpl bridgecache.Store
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "tiered":
		cacheImpl = bridgecache.NewTiered(
			a.memCache,
			bridgecache.NewRedisFromClient(a.rdb),
			a.cfg.Cache.TTL,
		)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache disables caching in the pipeline.
	}

	var denylist *bridgecache.Denylist
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		dl, err := bridgecache.NewDenylist(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache denylist: %w", err)
		}
		denylist = dl
		a.log.Info("cache denylist loaded", slog.Int("rules", dl.Len()))
	}

	pipeline := proxy.NewPipeline(a.registry, proxy.PipelineOptions{
		Logger: a.log,
		Breaker: breaker.Config{
			FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     a.cfg.CircuitBreaker.ResetTimeout,
		},
		Cache:    cacheImpl,
		CacheTTL: a.cfg.Cache.TTL,
		Denylist: denylist,
		Metrics:  a.prom,
	})

	var logStoreReady func(context.Context) error
	if a.chSink != nil {
		logStoreReady = a.chSink.Ping
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, a.registry, cacheReady, logStoreReady, a.prom)

	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = proxy.NewServer(pipeline, proxy.ServerOptions{
		Health:            a.health,
		Limiter:           limiter,
		Metrics:           a.prom,
		RequestLog:        a.reqLogger,
		Logger:            a.log,
		CORSOrigins:       a.cfg.CORSOrigins,
		HeartbeatInterval: a.cfg.Stream.HeartbeatInterval,
		InactivityTimeout: a.cfg.Stream.InactivityTimeout,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
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
