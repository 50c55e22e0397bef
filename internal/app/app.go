// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — upstream adapter clients and the provider registry
//  3. initServices  — cache, metrics, request logger
//  4. initServer    — pipeline, health checker and HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	bridgecache "github.com/nulpointcorp/llm-bridge/internal/cache"
	"github.com/nulpointcorp/llm-bridge/internal/config"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-bridge/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/llm-bridge/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/llm-bridge/internal/providers/openai"
	openrouterprov "github.com/nulpointcorp/llm-bridge/internal/providers/openrouter"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	reqLogger *logger.Logger
	memCache  *bridgecache.Memory

	prom *metrics.Registry

	registry *providers.Registry
	health   *proxy.HealthChecker
	mgmt     *proxy.ManagementRoutes
	srv      *proxy.Server
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
		{"server", a.initServer},
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

	a.log.Info("starting bridge",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("default_provider", a.registry.DefaultName()),
		slog.Any("providers", a.registry.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
		a.chSink = nil // owned and closed by the request logger
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
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
// HealthChecker. Reuses the existing client, no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// providerBuilders is the static dispatch table from provider name to
// constructor. Adding an upstream means adding one entry here; nothing else
// in the wiring changes.
var providerBuilders = map[string]func(ctx context.Context, cfg *config.Config, log *slog.Logger) (providers.Provider, error){
	"openai": func(_ context.Context, cfg *config.Config, log *slog.Logger) (providers.Provider, error) {
		return openaiprov.New(openaiprov.Config{
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			Timeout:       cfg.OpenAI.Timeout,
			Models:        cfg.OpenAI.Models,
			DefaultModel:  cfg.OpenAI.DefaultModel,
			DynamicModels: cfg.OpenAI.DynamicModels,
		}, log)
	},
	"anthropic": func(_ context.Context, cfg *config.Config, log *slog.Logger) (providers.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{
			APIKey:        cfg.Anthropic.APIKey,
			BaseURL:       cfg.Anthropic.BaseURL,
			Timeout:       cfg.Anthropic.Timeout,
			Models:        cfg.Anthropic.Models,
			DefaultModel:  cfg.Anthropic.DefaultModel,
			DynamicModels: cfg.Anthropic.DynamicModels,
		}, log)
	},
	"gemini": func(ctx context.Context, cfg *config.Config, log *slog.Logger) (providers.Provider, error) {
		return geminiprov.New(ctx, geminiprov.Config{
			APIKey:        cfg.Gemini.APIKey,
			BaseURL:       cfg.Gemini.BaseURL,
			Timeout:       cfg.Gemini.Timeout,
			Models:        cfg.Gemini.Models,
			DefaultModel:  cfg.Gemini.DefaultModel,
			DynamicModels: cfg.Gemini.DynamicModels,
		}, log)
	},
	"openrouter": func(_ context.Context, cfg *config.Config, log *slog.Logger) (providers.Provider, error) {
		return openrouterprov.New(openrouterprov.Config{
			APIKey:        cfg.OpenRouter.APIKey,
			BaseURL:       cfg.OpenRouter.BaseURL,
			Timeout:       cfg.OpenRouter.Timeout,
			Models:        cfg.OpenRouter.Models,
			DefaultModel:  cfg.OpenRouter.DefaultModel,
			DynamicModels: cfg.OpenRouter.DynamicModels,
			Referer:       cfg.OpenRouter.Referer,
			Title:         cfg.OpenRouter.Title,
		}, log)
	},
}

// configuredProviders returns the names from the dispatch table that have an
// API key set, in table-independent deterministic order.
func configuredProviders(cfg *config.Config) []string {
	var names []string
	for _, name := range []string{"openai", "anthropic", "gemini", "openrouter"} {
		switch name {
		case "openai":
			if cfg.OpenAI.APIKey != "" {
				names = append(names, name)
			}
		case "anthropic":
			if cfg.Anthropic.APIKey != "" {
				names = append(names, name)
			}
		case "gemini":
			if cfg.Gemini.APIKey != "" {
				names = append(names, name)
			}
		case "openrouter":
			if cfg.OpenRouter.APIKey != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
