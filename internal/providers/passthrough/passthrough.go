// Package passthrough provides a generic provider that forwards requests to
// an arbitrary target URL speaking one of the supported vendor dialects.
// Use it for org-supplied endpoint overrides: self-hosted models, regional
// mirrors, or any OpenAI/Anthropic/Gemini-compatible service.
package passthrough

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/translate"
)

// Provider forwards requests over raw HTTP, encoding and decoding bodies
// with the vendor adapter for the configured dialect.
type Provider struct {
	name      string
	dialect   string
	targetURL string
	apiKey    string
	registry  *translate.Registry
	client    *http.Client
}

// New creates a passthrough Provider.
//
//   - name      — unique provider identifier used for routing and logs.
//   - dialect   — wire dialect the target speaks ("openai", "anthropic", "gemini").
//   - targetURL — full URL the request body is POSTed to.
func New(name, dialect, targetURL, apiKey string, registry *translate.Registry) *Provider {
	return &Provider{
		name:      name,
		dialect:   dialect,
		targetURL: targetURL,
		apiKey:    apiKey,
		registry:  registry,
		client:    &http.Client{Timeout: providers.ProviderTimeout},
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.targetURL, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &ProviderError{Name: p.name, StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	adapter, err := p.registry.Get(p.dialect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	body, _, err := adapter.FromCanonicalRequest(req.Chat)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setAuth(httpReq, req.APIKey)
	if req.Chat.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Name:       p.name,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if req.Chat.Stream {
		return p.handleStreaming(ctx, resp, adapter), nil
	}
	return p.handleResponse(resp, adapter)
}

func (p *Provider) handleResponse(resp *http.Response, adapter translate.VendorAdapter) (*providers.Response, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}

	chat, err := adapter.ToCanonicalResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	return &providers.Response{Chat: chat, Raw: raw}, nil
}

func (p *Provider) handleStreaming(ctx context.Context, resp *http.Response, adapter translate.VendorAdapter) *providers.Response {
	ch := make(chan translate.Frame, 64)
	dec := adapter.NewStreamDecoder()

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, 8192)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, f := range dec.Feed(buf[:n]) {
					if !providers.SendFrame(ctx, ch, f) {
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					providers.SendFrame(ctx, ch, translate.Frame{
						Content:      fmt.Sprintf("[stream error] %v", err),
						FinishReason: "error",
						Done:         true,
					})
					return
				}
				break
			}
		}

		for _, f := range dec.Flush() {
			if !providers.SendFrame(ctx, ch, f) {
				return
			}
		}
	}()

	return &providers.Response{Stream: ch}
}

func (p *Provider) setAuth(r *http.Request, overrideKey string) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return
	}
	switch p.dialect {
	case "anthropic":
		r.Header.Set("x-api-key", key)
		r.Header.Set("anthropic-version", "2023-06-01")
	case "gemini":
		r.Header.Set("x-goog-api-key", key)
	default:
		r.Header.Set("Authorization", "Bearer "+key)
	}
}

// ProviderError is a structured error returned by the target endpoint.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
