// Package proxy is the core completion pipeline and its HTTP surface.
//
// The Pipeline receives a normalized chat request, resolves the target
// provider from the model string, consults the response cache, and forwards
// the call through a per-provider circuit breaker. Streaming requests skip
// the cache and return a live chunk stream.
//
// Key constraints:
//   - Cache, metrics, and the request logger are optional and nil-safe.
//   - All upstream I/O takes context.Context so deadlines propagate.
//   - Streaming responses are never cached.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/breaker"
	"github.com/nulpointcorp/llm-bridge/internal/cache"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	opChat   = "chat"
	opStream = "stream"
)

// PipelineOptions holds optional tuning parameters for a Pipeline. All
// fields have sensible defaults and can be omitted.
type PipelineOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Breaker configures the per-provider circuit breakers. Zero values use
	// the package-level defaults (threshold 3, reset 30s).
	Breaker breaker.Config

	// ChatFallback, when set, serves breaker-rejected non-streaming calls
	// instead of a 503.
	ChatFallback breaker.Fallback[*providers.NormalizedResponse]

	// Cache is the response cache backend. Nil disables caching.
	Cache cache.Store

	// CacheTTL controls how long completions stay cached. Default: 1h.
	CacheTTL time.Duration

	// Denylist lists models whose responses must never be cached.
	Denylist *cache.Denylist

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry
}

// Pipeline executes completion requests end to end. All dependencies are
// injected so tests can swap in doubles.
type Pipeline struct {
	registry *providers.Registry
	cache    cache.Store
	denylist *cache.Denylist
	cacheTTL time.Duration
	stats    cache.Stats
	metrics  *metrics.Registry
	log      *slog.Logger

	chatBreakers   *breaker.Registry[*providers.NormalizedResponse]
	streamBreakers *breaker.Registry[*providers.Stream]
}

// NewPipeline builds a Pipeline over the given provider registry.
func NewPipeline(reg *providers.Registry, opts PipelineOptions) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	cfg := opts.Breaker
	userHook := cfg.OnStateChange
	met := opts.Metrics
	cfg.OnStateChange = func(name string, from, to breaker.State) {
		log.Warn("breaker_state_change",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if met != nil {
			met.SetBreakerState(name, int64(to))
			met.RecordBreakerTransition(name, from.String(), to.String())
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	chatBreakers := breaker.NewRegistry[*providers.NormalizedResponse](cfg)
	if opts.ChatFallback != nil {
		chatBreakers.SetFallback(markDegraded(opts.ChatFallback))
	}

	return &Pipeline{
		registry:       reg,
		cache:          opts.Cache,
		denylist:       opts.Denylist,
		cacheTTL:       cacheTTL,
		metrics:        met,
		log:            log,
		chatBreakers:   chatBreakers,
		streamBreakers: breaker.NewRegistry[*providers.Stream](cfg),
	}
}

// markDegraded stamps fallback payloads so the pipeline can tell them apart
// from real upstream responses.
func markDegraded(fb breaker.Fallback[*providers.NormalizedResponse]) breaker.Fallback[*providers.NormalizedResponse] {
	if fb == nil {
		return nil
	}
	return func(ctx context.Context, cause error) (*providers.NormalizedResponse, error) {
		resp, err := fb(ctx, cause)
		if resp != nil {
			resp.Degraded = true
		}
		return resp, err
	}
}

// SplitModel separates the provider prefix from a requested model string.
// The prefix is everything before the first "/"; model names containing
// further slashes (OpenRouter style) keep them. A string without "/" has no
// explicit provider and routes to the default.
func SplitModel(raw string) (provider, model string) {
	if i := strings.Index(raw, "/"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return "", raw
}

// resolve maps the requested model string to a provider and the
// provider-native model name. An explicit but unknown provider prefix is a
// 404; a missing prefix routes to the default provider.
func (p *Pipeline) resolve(raw string) (providers.Provider, string, error) {
	name, model := SplitModel(raw)
	if name == "" {
		return p.registry.Default(), model, nil
	}
	prov, ok := p.registry.Lookup(name)
	if !ok {
		return nil, "", providers.NewProviderNotFoundError(name)
	}
	return prov, model, nil
}

// Complete runs one non-streaming completion.
func (p *Pipeline) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.NormalizedResponse, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, err
	}

	prov, model, err := p.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	upReq := *req
	upReq.Model = model

	cacheable := p.cache != nil && !req.NoCache && (p.denylist == nil || !p.denylist.Matches(model))
	key := ""
	if cacheable {
		key = cache.Key(prov.Name(), model, req.Messages, req.Temperature, req.MaxTokens)
		if raw, ok := p.cache.Get(ctx, key); ok {
			var resp providers.NormalizedResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				resp.Cached = true
				p.stats.Hit()
				if p.metrics != nil {
					p.metrics.CacheGetHit()
				}
				p.log.DebugContext(ctx, "cache_hit",
					slog.String("request_id", req.RequestID),
					slog.String("provider", prov.Name()),
					slog.String("model", model),
				)
				return &resp, nil
			}
			// Unreadable entry: drop it and fall through to the upstream.
			_ = p.cache.Delete(ctx, key)
		}
		p.stats.Miss()
		if p.metrics != nil {
			p.metrics.CacheGetMiss()
		}
	} else if p.metrics != nil {
		p.metrics.CacheGetBypass()
	}

	br := p.chatBreakers.Get(prov.Name() + ":" + opChat)

	upStart := time.Now()
	resp, err := br.Exec(ctx, func(ctx context.Context) (*providers.NormalizedResponse, error) {
		return prov.ChatCompletion(ctx, &upReq)
	})
	upDur := time.Since(upStart)

	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			if p.metrics != nil {
				p.metrics.RecordBreakerRejection(br.Name(), "error")
			}
			return nil, providers.NewCircuitOpenError(prov.Name(), err)
		}
		ae := providers.AsAPIError(prov.Name(), err)
		if p.metrics != nil {
			p.metrics.ObserveUpstreamAttempt(prov.Name(), opChat, ae.Code, upDur)
			p.metrics.RecordError(prov.Name(), ae.Code)
		}
		return nil, ae
	}
	if p.metrics != nil {
		// A degraded response means the fallback resolved the call, not the
		// upstream; don't count it as an upstream success.
		outcome := "success"
		if resp.Degraded {
			outcome = "fallback"
		}
		p.metrics.ObserveUpstreamAttempt(prov.Name(), opChat, outcome, upDur)
	}

	// Fallback payloads are transient and must not be cached; a cached
	// fallback would keep masking the upstream after it recovers.
	if cacheable && !resp.Cached && !resp.Degraded {
		if raw, merr := json.Marshal(resp); merr == nil {
			if serr := p.cache.Set(ctx, key, raw, p.cacheTTL); serr != nil {
				if p.metrics != nil {
					p.metrics.CacheSetError()
				}
			} else {
				p.stats.Set()
				if p.metrics != nil {
					p.metrics.CacheSetOK()
				}
			}
		}
	}
	return resp, nil
}

// Stream starts one streaming completion. The returned provider name labels
// metrics and the stream writer; errors before the first chunk come back
// synchronously.
func (p *Pipeline) Stream(ctx context.Context, req *providers.ChatRequest) (*providers.Stream, string, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, "", err
	}

	prov, model, err := p.resolve(req.Model)
	if err != nil {
		return nil, "", err
	}
	upReq := *req
	upReq.Model = model

	br := p.streamBreakers.Get(prov.Name() + ":" + opStream)

	upStart := time.Now()
	stream, err := br.Exec(ctx, func(ctx context.Context) (*providers.Stream, error) {
		return prov.ChatCompletionStream(ctx, &upReq)
	})
	upDur := time.Since(upStart)

	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			if p.metrics != nil {
				p.metrics.RecordBreakerRejection(br.Name(), "error")
			}
			return nil, prov.Name(), providers.NewCircuitOpenError(prov.Name(), err)
		}
		ae := providers.AsAPIError(prov.Name(), err)
		if p.metrics != nil {
			p.metrics.ObserveUpstreamAttempt(prov.Name(), opStream, ae.Code, upDur)
			p.metrics.RecordError(prov.Name(), ae.Code)
		}
		return nil, prov.Name(), ae
	}
	if p.metrics != nil {
		p.metrics.ObserveUpstreamAttempt(prov.Name(), opStream, "success", upDur)
	}
	return stream, prov.Name(), nil
}

// Capability describes one provider in the capabilities listing.
type Capability struct {
	Provider string                      `json:"provider"`
	Default  bool                        `json:"default"`
	Models   []providers.ModelDescriptor `json:"models"`
	Breakers []breaker.Snapshot          `json:"breakers,omitempty"`
}

// Capabilities lists every configured provider with its models and the
// current breaker states.
func (p *Pipeline) Capabilities(ctx context.Context) []Capability {
	snaps := append(p.chatBreakers.Snapshots(), p.streamBreakers.Snapshots()...)
	byProvider := make(map[string][]breaker.Snapshot)
	for _, s := range snaps {
		name, _, _ := strings.Cut(s.Name, ":")
		byProvider[name] = append(byProvider[name], s)
	}

	out := make([]Capability, 0, len(p.registry.Names()))
	for _, name := range p.registry.Names() {
		prov, _ := p.registry.Lookup(name)
		out = append(out, Capability{
			Provider: name,
			Default:  name == p.registry.DefaultName(),
			Models:   prov.Models(ctx),
			Breakers: byProvider[name],
		})
	}
	return out
}

// CacheStats reports cumulative cache traffic since startup.
func (p *Pipeline) CacheStats() cache.StatsSnapshot { return p.stats.Snapshot() }

// Registry exposes the provider registry for the health checker.
func (p *Pipeline) Registry() *providers.Registry { return p.registry }
