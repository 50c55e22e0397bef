// Package gemini adapts the Google Gemini API through the official GenAI
// SDK. Gemini does not speak the SSE dialects the raw decoders handle, so
// both call paths stay on the SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
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
	client *genai.Client
	log    *slog.Logger

	mu         sync.Mutex
	lastModels []providers.ModelDescriptor
}

func New(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	base, ver := splitBaseURLAndVersion(cfg.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	return &Provider{
		cfg:    cfg,
		client: client,
		log:    log.With(slog.String("provider", providerName)),
	}, nil
}

func (p *Provider) Name() string { return providerName }

// Ping probes auth and connectivity with a one-item model listing.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return p.toAPIError("", err)
	}
	return nil
}

func (p *Provider) Models(ctx context.Context) []providers.ModelDescriptor {
	if !p.cfg.DynamicModels {
		return p.staticModels()
	}

	page, err := p.client.Models.List(ctx, nil)
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
	for _, m := range page.Items {
		id := strings.TrimPrefix(m.Name, "models/")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, providers.ModelDescriptor{
			ID:        id,
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

	contents, cfg := buildContentsAndConfig(req)

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, p.toAPIError(req.Model, err)
	}

	id := resp.ResponseID
	if id == "" {
		id = generateID()
	}

	out := &providers.NormalizedResponse{
		ID:           id,
		Model:        req.Model,
		Provider:     providerName,
		CreatedAt:    time.Now().UTC(),
		Content:      resp.Text(),
		FinishReason: providers.FinishUnknown,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = normalizeFinish(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (*providers.Stream, error) {
	if err := providers.ValidateChatRequest(req); err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	ctx, cancel := context.WithCancel(ctx)
	stream := providers.NewStream(cancel)

	go func() {
		defer stream.Finish()

		start := time.Now()
		var (
			id     string
			usage  providers.Usage
			finish string
		)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				stream.Send(providers.StreamChunk{
					ID:           id,
					Model:        req.Model,
					Provider:     providerName,
					CreatedAt:    time.Now().UTC(),
					FinishReason: providers.FinishError,
					Usage:        usage,
					LatencyMs:    time.Since(start).Milliseconds(),
					Err:          p.toAPIError(req.Model, err),
				})
				return
			}
			if resp == nil {
				continue
			}
			if resp.ResponseID != "" {
				id = resp.ResponseID
			}
			if resp.UsageMetadata != nil {
				usage = providers.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			if c.FinishReason != "" {
				finish = normalizeFinish(c.FinishReason)
			}
			text := candidateText(c)
			if text == "" {
				continue
			}
			if !stream.Send(providers.StreamChunk{
				ID:           id,
				Model:        req.Model,
				Provider:     providerName,
				CreatedAt:    time.Now().UTC(),
				ContentDelta: text,
				LatencyMs:    time.Since(start).Milliseconds(),
			}) {
				return
			}
		}

		if finish == "" {
			finish = providers.FinishUnknown
		}
		stream.Send(providers.StreamChunk{
			ID:           id,
			Model:        req.Model,
			Provider:     providerName,
			CreatedAt:    time.Now().UTC(),
			FinishReason: finish,
			Usage:        usage,
			LatencyMs:    time.Since(start).Milliseconds(),
		})
	}()

	return stream, nil
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := providers.SplitSystemPrompt(req.Messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	var cfg *genai.GenerateContentConfig
	if system != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if system != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: system}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func normalizeFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return providers.FinishStop
	case genai.FinishReasonMaxTokens:
		return providers.FinishLength
	case "":
		return ""
	default:
		return providers.FinishUnknown
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces an ID for responses that don't include one.
func generateID() string {
	return "gemini-" + uuid.NewString()
}

func (p *Provider) toAPIError(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		// genai does not expose response headers, so a 429 falls back to the
		// default Retry-After.
		return providers.FromUpstreamStatus(providerName, model, apiErr.Code, apiErr.Message, 0)
	}
	return providers.AsAPIError(providerName, err)
}
