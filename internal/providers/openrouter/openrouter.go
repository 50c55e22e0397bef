// Package openrouter adapts the OpenRouter aggregation API. The wire format
// is OpenAI-compatible, so non-streaming calls reuse the OpenAI SDK pointed
// at the OpenRouter base URL; streaming reads the SSE wire directly.
// OpenRouter interleaves ": OPENROUTER PROCESSING" comment frames as
// keep-alives, which the SSE decoder drops.
package openrouter

import (
	"bytes"
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

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/providers/upstream"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	providerName   = "openrouter"

	doneSentinel = "[DONE]"
)

// Config carries everything needed to construct a Provider. Referer and
// Title populate OpenRouter's attribution headers when set.
type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	Models        []string
	DefaultModel  string
	DynamicModels bool
	Referer       string
	Title         string
}

type Provider struct {
	cfg    Config
	client openaiSDK.Client
	httpc  *http.Client
	log    *slog.Logger

	mu         sync.Mutex
	lastModels []providers.ModelDescriptor
}

func New(cfg Config, log *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter: no API key configured")
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

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.Title))
	}

	return &Provider{
		cfg:    cfg,
		client: openaiSDK.NewClient(opts...),
		httpc:  &http.Client{},
		log:    log.With(slog.String("provider", providerName)),
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return p.toAPIError("", err)
	}
	return nil
}

func (p *Provider) Models(ctx context.Context) []providers.ModelDescriptor {
	if !p.cfg.DynamicModels {
		return p.staticModels()
	}

	page, err := p.client.Models.List(ctx)
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

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			msgs = append(msgs, openaiSDK.SystemMessage(m.Content))
		case providers.RoleAssistant:
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toAPIError(req.Model, err)
	}

	content := ""
	finish := providers.FinishUnknown
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = normalizeFinish(string(resp.Choices[0].FinishReason))
	}

	return &providers.NormalizedResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     providerName,
		CreatedAt:    time.Unix(resp.Created, 0).UTC(),
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// streamRequest is the raw wire body for a streaming completion. OpenRouter
// still takes max_tokens rather than max_completion_tokens.
type streamRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
}

type wireChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (*providers.Stream, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, err
	}

	body := streamRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	headers := upstream.BearerHeaders(p.cfg.APIKey)
	if p.cfg.Referer != "" {
		headers["HTTP-Referer"] = p.cfg.Referer
	}
	if p.cfg.Title != "" {
		headers["X-Title"] = p.cfg.Title
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := upstream.OpenSSE(ctx, p.httpc, p.cfg.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		cancel()
		return nil, p.classifyStreamError(req.Model, err)
	}

	stream := providers.NewStream(cancel)
	go p.consume(resp.Body, req.Model, stream)
	return stream, nil
}

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
					p.log.Warn("stream_ended_without_done", slog.String("model", model))
					finish = providers.FinishUnknown
				}
				terminal(finish, nil)
				return
			}
			terminal(providers.FinishError, providers.AsAPIError(providerName, err))
			return
		}
		if string(bytes.TrimSpace(ev.Data)) == doneSentinel {
			if finish == "" {
				finish = providers.FinishUnknown
			}
			terminal(finish, nil)
			return
		}

		var wc wireChunk
		if err := json.Unmarshal(ev.Data, &wc); err != nil {
			p.log.Warn("malformed_stream_frame",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
			continue
		}

		if wc.ID != "" {
			id = wc.ID
		}
		if wc.Usage != nil {
			usage = providers.Usage{
				PromptTokens:     wc.Usage.PromptTokens,
				CompletionTokens: wc.Usage.CompletionTokens,
				TotalTokens:      wc.Usage.TotalTokens,
			}
		}
		for _, c := range wc.Choices {
			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}
			if c.Delta.Content == "" {
				continue
			}
			if !stream.Send(providers.StreamChunk{
				ID:           id,
				Model:        model,
				Provider:     providerName,
				CreatedAt:    time.Now().UTC(),
				ContentDelta: c.Delta.Content,
				LatencyMs:    time.Since(start).Milliseconds(),
			}) {
				return
			}
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
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			retryAfter = upstream.RetryAfter(apierr.Response.Header)
		}
		return providers.FromUpstreamStatus(providerName, model, apierr.StatusCode, apierr.Error(), retryAfter)
	}
	return providers.AsAPIError(providerName, err)
}

func normalizeFinish(reason string) string {
	switch reason {
	case "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishTool
	case "":
		return ""
	default:
		return providers.FinishUnknown
	}
}
