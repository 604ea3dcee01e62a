package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/translate"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	p.httpClient = httpClient

	base, ver := splitBaseURLAndVersion(p.baseURL)
	p.base = base
	p.apiVersion = ver

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil
	}

	p.client = client

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	contents, cfg := buildContentsAndConfig(req.Chat)

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	if req.Chat.Stream {
		return p.handleStreaming(ctx, client, req.Chat.Model, contents, cfg)
	}
	return p.handleResponse(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(chat *translate.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		case "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || chat.Temperature > 0 || chat.MaxTokens > 0 || len(chat.StopSequences) > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	if cfg != nil && chat.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(chat.Temperature))
	}

	if cfg != nil && chat.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(chat.MaxTokens)
	}

	if cfg != nil && len(chat.StopSequences) > 0 {
		cfg.StopSequences = chat.StopSequences
	}

	return contents, cfg
}

func (p *Provider) handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *providers.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Chat.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = finishToCanonical(string(resp.Candidates[0].FinishReason))
		}
	}

	var usage translate.Usage
	if resp != nil && resp.UsageMetadata != nil {
		usage = translate.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
	}

	return &providers.Response{
		Chat: &translate.ChatResponse{
			ID:    id,
			Model: req.Chat.Model,
			Choices: []translate.Choice{{
				Message:      translate.Message{Role: "assistant", Content: out},
				FinishReason: finish,
			}},
			Usage: usage,
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	ch := make(chan translate.Frame, 64)

	go func() {
		defer close(ch)

		var usage translate.Usage
		sawUsage := false

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				providers.SendFrame(ctx, ch, translate.Frame{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
					Done:         true,
				})
				return
			}
			if resp == nil {
				continue
			}

			// Usage metadata is cumulative; the last chunk's values win.
			if resp.UsageMetadata != nil {
				usage = translate.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
				if usage.TotalTokens == 0 {
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				}
				sawUsage = true
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := firstCandidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = finishToCanonical(string(c.FinishReason))
			}

			if text != "" || finish != "" {
				ok := providers.SendFrame(ctx, ch, translate.Frame{
					Content:      text,
					FinishReason: finish,
				})
				if !ok {
					return
				}
			}
		}

		// Gemini streams have no explicit terminator.
		final := translate.Frame{Done: true}
		if sawUsage {
			u := usage
			final.Usage = &u
		}
		providers.SendFrame(ctx, ch, final)
	}()

	return &providers.Response{Stream: ch}, nil
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if key == p.apiKey {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func finishToCanonical(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST":
		return "content_filter"
	case "":
		return ""
	default:
		return "stop"
	}
}

func firstCandidateText(c *genai.Candidate) string {
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
	// Second byte must be a digit.
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
