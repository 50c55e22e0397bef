// Package anthropic adapts the Anthropic messages API. Non-streaming calls
// and model listing go through the official SDK; streaming reads the named
// SSE events off the wire directly.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/providers/upstream"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Config carries everything needed to construct a Provider.
type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	Models        []string
	DefaultModel  string
	DynamicModels bool
}

type Provider struct {
	cfg    Config
	client anthropic.Client
	httpc  *http.Client
	log    *slog.Logger

	mu         sync.Mutex
	lastModels []providers.ModelDescriptor
}

func New(cfg Config, log *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Provider{
		cfg:   cfg,
		httpc: &http.Client{},
		log:   log.With(slog.String("provider", providerName)),
	}
	p.client = anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	return p, nil
}

func (p *Provider) Name() string { return providerName }

// Ping probes auth and connectivity via GET /v1/models.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return p.toAPIError("", err)
	}
	return nil
}

func (p *Provider) Models(ctx context.Context) []providers.ModelDescriptor {
	if !p.cfg.DynamicModels {
		return p.staticModels()
	}

	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		p.log.Warn("model_listing_failed", slog.String("error", err.Error()))
		p.mu.Lock()
		last := p.lastModels
		p.mu.Unlock()
		if last != nil {
			return last
		}
		return p.staticModels()
	}

	seen := make(map[string]bool)
	out := p.staticModels()
	for _, d := range out {
		seen[d.ID] = true
	}
	for _, m := range page.Data {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, providers.ModelDescriptor{
			ID:        m.ID,
			Provider:  providerName,
			Streaming: true,
		})
	}

	p.mu.Lock()
	p.lastModels = out
	p.mu.Unlock()
	return out
}

func (p *Provider) staticModels() []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, 0, len(p.cfg.Models))
	for _, id := range p.cfg.Models {
		out = append(out, providers.ModelDescriptor{
			ID:        id,
			Provider:  providerName,
			Default:   id == p.cfg.DefaultModel,
			Streaming: true,
		})
	}
	return out
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.NormalizedResponse, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.toAPIError(req.Model, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.NormalizedResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     providerName,
		CreatedAt:    time.Now().UTC(),
		Content:      sb.String(),
		FinishReason: normalizeStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *Provider) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	system, rest := providers.SplitSystemPrompt(req.Messages)

	msgs := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		role := anthropic.MessageParamRoleUser
		if m.Role == providers.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (*providers.Stream, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, err
	}

	system, rest := providers.SplitSystemPrompt(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	body := messagesRequest{
		Model:     req.Model,
		Messages:  rest,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    true,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := upstream.OpenSSE(ctx, p.httpc, p.cfg.BaseURL+"/messages", headers, body)
	if err != nil {
		cancel()
		return nil, p.classifyStreamError(req.Model, err)
	}

	stream := providers.NewStream(cancel)
	go p.consume(resp.Body, req.Model, stream)
	return stream, nil
}

// consume walks the named event sequence of a messages stream. Only
// text_delta content is forwarded; output token counts stay zero until the
// upstream reports them in message_delta, mirroring the wire.
func (p *Provider) consume(rc io.ReadCloser, model string, stream *providers.Stream) {
	defer rc.Close()
	defer stream.Finish()

	start := time.Now()
	dec := sse.NewDecoder(rc)

	var (
		id     string
		usage  providers.Usage
		finish string
	)
	terminal := func(reason string, errv error) {
		stream.Send(providers.StreamChunk{
			ID:           id,
			Model:        model,
			Provider:     providerName,
			CreatedAt:    time.Now().UTC(),
			FinishReason: reason,
			Usage:        usage,
			LatencyMs:    time.Since(start).Milliseconds(),
			Err:          errv,
		})
	}

	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if finish == "" {
					p.log.Warn("stream_ended_without_message_stop", slog.String("model", model))
					finish = providers.FinishUnknown
				}
				terminal(finish, nil)
				return
			}
			terminal(providers.FinishError, providers.AsAPIError(providerName, err))
			return
		}

		var se streamEvent
		if err := json.Unmarshal(ev.Data, &se); err != nil {
			p.log.Warn("malformed_stream_frame",
				slog.String("model", model),
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch se.Type {
		case "message_start":
			if se.Message != nil {
				id = se.Message.ID
				if se.Message.Usage != nil {
					usage.PromptTokens = se.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			if se.Delta == nil || se.Delta.Type != "text_delta" || se.Delta.Text == "" {
				continue
			}
			if !stream.Send(providers.StreamChunk{
				ID:           id,
				Model:        model,
				Provider:     providerName,
				CreatedAt:    time.Now().UTC(),
				ContentDelta: se.Delta.Text,
				LatencyMs:    time.Since(start).Milliseconds(),
			}) {
				return
			}

		case "message_delta":
			if se.Delta != nil && se.Delta.StopReason != "" {
				finish = normalizeStopReason(se.Delta.StopReason)
			}
			if se.Usage != nil {
				usage.CompletionTokens = se.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}

		case "message_stop":
			if finish == "" {
				finish = providers.FinishStop
			}
			terminal(finish, nil)
			return

		case "error":
			msg := "upstream stream error"
			if se.Error != nil {
				msg = se.Error.Message
			}
			terminal(providers.FinishError, &providers.APIError{
				Code:     providers.CodeProvider,
				Message:  msg,
				Status:   http.StatusBadGateway,
				Provider: providerName,
				Model:    model,
			})
			return

		case "ping", "content_block_start", "content_block_stop":
			// housekeeping events, nothing to forward

		default:
			p.log.Debug("unhandled_stream_event", slog.String("type", se.Type))
		}
	}
}

func (p *Provider) classifyStreamError(model string, err error) error {
	var he *upstream.HTTPError
	if errors.As(err, &he) {
		return providers.FromUpstreamStatus(providerName, model, he.Status, he.Message, he.RetryAfter)
	}
	return providers.AsAPIError(providerName, err)
}

func (p *Provider) toAPIError(model string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			retryAfter = upstream.RetryAfter(apierr.Response.Header)
		}
		return providers.FromUpstreamStatus(providerName, model, apierr.StatusCode, apierr.Error(), retryAfter)
	}
	return providers.AsAPIError(providerName, err)
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishTool
	case "":
		return ""
	default:
		return providers.FinishUnknown
	}
}
