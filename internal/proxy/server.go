package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
	"github.com/nulpointcorp/llm-bridge/pkg/apierr"
)

// ServerOptions carries the optional collaborators of a Server. Nil fields
// disable the corresponding feature.
type ServerOptions struct {
	Health      *HealthChecker
	Limiter     *ratelimit.RPMLimiter
	Metrics     *metrics.Registry
	RequestLog  *logger.Logger
	Logger      *slog.Logger
	CORSOrigins []string

	// HeartbeatInterval and InactivityTimeout tune SSE streaming. Zero
	// values use the package defaults (20s / 60s).
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
}

// Server exposes the completion pipeline over HTTP.
type Server struct {
	pipeline *Pipeline
	health   *HealthChecker
	limiter  *ratelimit.RPMLimiter
	metrics  *metrics.Registry
	reqLog   *logger.Logger
	log      *slog.Logger

	corsOrigins []string
	heartbeat   time.Duration
	idle        time.Duration

	srv *fasthttp.Server
}

// NewServer builds a Server over the given pipeline.
func NewServer(p *Pipeline, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		pipeline:    p,
		health:      opts.Health,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		reqLog:      opts.RequestLog,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		heartbeat:   opts.HeartbeatInterval,
		idle:        opts.InactivityTimeout,
	}
}

// Handler builds the full routed and middleware-wrapped request handler.
// Exposed separately from Start for in-memory listener tests.
func (s *Server) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/completions", s.handleCompletions)
	r.POST("/stream", s.handleStreamPost)
	r.GET("/stream", s.handleStreamGet)
	r.GET("/capabilities", s.handleCapabilities)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(addr string, mgmt *ManagementRoutes) error {
	s.srv = &fasthttp.Server{
		Handler:     s.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses stay open far longer than any
		// sane fixed limit; the inactivity timer bounds them instead.
		IdleTimeout: 120 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// ManagementRoutes holds optional management handlers registered alongside
// the API routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// completionRequest is the inbound JSON body for /completions and /stream.
type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Stream      bool                `json:"stream,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	NoCache     bool                `json:"no_cache,omitempty"`
}

func (s *Server) handleCompletions(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx) {
		return
	}
	req, ok := s.parseBody(ctx)
	if !ok {
		return
	}
	// A body with "stream": true is served over SSE even on /completions,
	// so clients can use a single endpoint for both modes.
	if req.Stream {
		s.streamResponse(ctx, s.toChatRequest(ctx, req))
		return
	}
	s.complete(ctx, s.toChatRequest(ctx, req))
}

func (s *Server) handleStreamPost(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx) {
		return
	}
	req, ok := s.parseBody(ctx)
	if !ok {
		return
	}
	s.streamResponse(ctx, s.toChatRequest(ctx, req))
}

// handleStreamGet serves EventSource clients, which can only issue GET. The
// conversation is passed as query parameters: model and prompt are required,
// system, temperature, max_tokens and no_cache are optional.
func (s *Server) handleStreamGet(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx) {
		return
	}
	args := ctx.QueryArgs()

	req := &completionRequest{
		Model:     string(args.Peek("model")),
		NoCache:   args.GetBool("no_cache"),
		MaxTokens: args.GetUintOrZero("max_tokens"),
	}
	if t, err := strconv.ParseFloat(string(args.Peek("temperature")), 64); err == nil {
		req.Temperature = t
	}
	if system := string(args.Peek("system")); system != "" {
		req.Messages = append(req.Messages, providers.Message{
			Role: providers.RoleSystem, Content: system,
		})
	}
	prompt := string(args.Peek("prompt"))
	if prompt == "" {
		apierr.WriteError(ctx, providers.NewValidationError("prompt query parameter is required"))
		return
	}
	req.Messages = append(req.Messages, providers.Message{
		Role: providers.RoleUser, Content: prompt,
	})

	s.streamResponse(ctx, s.toChatRequest(ctx, req))
}

func (s *Server) handleCapabilities(ctx *fasthttp.RequestCtx) {
	caps := s.pipeline.Capabilities(ctx)
	writeJSON(ctx, map[string]any{
		"default_provider": s.pipeline.Registry().DefaultName(),
		"providers":        caps,
		"cache":            s.pipeline.CacheStats(),
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// complete serves one non-streaming completion.
func (s *Server) complete(ctx *fasthttp.RequestCtx, req *providers.ChatRequest) {
	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()
	}

	start := time.Now()
	resp, err := s.pipeline.Complete(ctx, req)
	dur := time.Since(start)

	if err != nil {
		s.finishError(ctx, "/completions", req, err, dur)
		return
	}
	resp.LatencyMs = dur.Milliseconds()

	cacheLabel := "miss"
	if resp.Cached {
		cacheLabel = "hit"
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(resp.Provider, fasthttp.StatusOK)
		s.metrics.ObserveGatewayRequest(resp.Provider, "/completions", cacheLabel, dur)
		s.metrics.ObserveHTTP("/completions", fasthttp.StatusOK, dur)
		s.metrics.AddTokens(resp.Provider, "/completions",
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Cached)
	}
	s.logRequest(ctx, resp.Provider, resp.Model, resp.Usage, fasthttp.StatusOK, resp.Cached, false, dur)

	writeJSON(ctx, resp)
}

// streamResponse serves one streaming completion over SSE.
func (s *Server) streamResponse(ctx *fasthttp.RequestCtx, req *providers.ChatRequest) {
	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()
	}

	start := time.Now()
	// The upstream outlives this handler: fasthttp runs the body stream
	// writer after it returns, so the stream cannot hang off the request
	// context. Its lifetime is bounded by the writer closing it.
	stream, providerName, err := s.pipeline.Stream(context.Background(), req)
	if err != nil {
		s.finishError(ctx, "/stream", req, err, time.Since(start))
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(providerName, fasthttp.StatusOK)
		s.metrics.ObserveHTTP("/stream", fasthttp.StatusOK, time.Since(start))
	}
	s.logRequest(ctx, providerName, req.Model, providers.Usage{}, fasthttp.StatusOK, false, true, time.Since(start))

	sw := &streamWriter{
		provider:  providerName,
		heartbeat: s.heartbeat,
		idle:      s.idle,
		metrics:   s.metrics,
		log:       s.log,
	}
	sw.serve(ctx, stream)
}

// allow applies the gateway-wide rate limit. Returns false when the request
// was rejected and a 429 already written.
func (s *Server) allow(ctx *fasthttp.RequestCtx) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx)
	if err != nil {
		// Limiter backend down: fail open, the gateway stays usable.
		s.log.Warn("ratelimit_check_failed", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordRateLimit("rejected")
		}
		apierr.WriteRateLimit(ctx)
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimit("allowed")
	}
	return true
}

func (s *Server) parseBody(ctx *fasthttp.RequestCtx) (*completionRequest, bool) {
	var req completionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteError(ctx, providers.NewValidationError("request body is not valid JSON"))
		return nil, false
	}
	return &req, true
}

func (s *Server) toChatRequest(ctx *fasthttp.RequestCtx, req *completionRequest) *providers.ChatRequest {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return &providers.ChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		NoCache:     req.NoCache,
		RequestID:   id,
	}
}

func (s *Server) finishError(ctx *fasthttp.RequestCtx, route string, req *providers.ChatRequest, err error, dur time.Duration) {
	status := fasthttp.StatusInternalServerError
	providerName := ""
	var ae *providers.APIError
	if errors.As(err, &ae) {
		status = ae.HTTPStatus()
		providerName = ae.Provider
	}

	s.log.Warn("request_failed",
		slog.String("route", route),
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	if s.metrics != nil {
		s.metrics.RecordRequest(providerName, status)
		s.metrics.ObserveHTTP(route, status, dur)
	}
	s.logRequest(ctx, providerName, req.Model, providers.Usage{}, status, false, route == "/stream", dur)

	apierr.WriteError(ctx, err)
}

func (s *Server) logRequest(ctx *fasthttp.RequestCtx, provider, model string, usage providers.Usage, status int, cached, stream bool, dur time.Duration) {
	if s.reqLog == nil {
		return
	}
	id, err := uuid.Parse(stringUserValue(ctx, requestIDKey))
	if err != nil {
		id = uuid.New()
	}
	s.reqLog.Log(logger.RequestLog{
		ID:           id,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(usage.PromptTokens),
		OutputTokens: uint32(usage.CompletionTokens),
		LatencyMs:    uint32(dur.Milliseconds()),
		Status:       uint16(status),
		Cached:       cached,
		Stream:       stream,
		CreatedAt:    time.Now().UTC(),
	})
}

func stringUserValue(ctx *fasthttp.RequestCtx, key string) string {
	v, _ := ctx.UserValue(key).(string)
	return v
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
