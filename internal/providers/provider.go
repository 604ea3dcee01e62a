// Package providers defines the common interface implemented by each LLM
// vendor backend (OpenAI, Anthropic, Gemini, plus the raw passthrough used
// for explicit target-URL overrides).
//
// Providers speak the gateway's canonical schema on both sides: requests
// arrive as translate.ChatRequest and responses come back either as a
// complete translate.ChatResponse or as a channel of canonical frames for
// streams.
package providers

import (
	"context"
	"time"

	"github.com/traceway/traceway/internal/translate"
)

// ProviderTimeout bounds one upstream call, including streaming reads.
const ProviderTimeout = 30 * time.Second

type (
	// Request — canonical request plus the per-call credential resolved at
	// ingress. APIKey overrides the provider's configured key when set.
	Request struct {
		Chat      *translate.ChatRequest
		APIKey    string
		OrgID     string
		RequestID string
	}

	// Response — either a complete canonical response or a live stream.
	// Exactly one of Chat and Stream is non-nil.
	Response struct {
		Chat   *translate.ChatResponse
		Stream <-chan translate.Frame

		// Raw is the vendor response body as received, retained for the
		// telemetry record. Empty for SDK-level streams.
		Raw []byte
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by provider errors that carry the upstream
// HTTP status, letting the gateway pass 4xx through verbatim.
type StatusCoder interface {
	HTTPStatus() int
}

// SendFrame delivers one frame to the stream channel, giving up when ctx is
// cancelled. Producer goroutines must use it for every send: the consumer can
// stop reading mid-stream, and an unguarded send would block forever once the
// channel buffer fills.
func SendFrame(ctx context.Context, ch chan<- translate.Frame, f translate.Frame) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// ModelAliases maps model names to provider names. Used to route
// POST /v1/chat/completions requests when no explicit target is given.
var ModelAliases = map[string]string{

	// OpenAI
	"gpt-4":                  "openai",
	"gpt-4-0613":             "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-2024-08-06":      "openai",
	"gpt-4o-2024-05-13":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-4-turbo-2024-04-09": "openai",
	"gpt-4-turbo-preview":    "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-0125":     "openai",
	"gpt-3.5-turbo-1106":     "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o1-preview":             "openai",
	"o1-2024-12-17":          "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o3-mini-2025-01-31":     "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// Anthropic
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-opus-20240229":     "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-haiku-20240307":    "anthropic",
	"claude-3-sonnet-20240229":   "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// Google AI Studio
	"gemini-pro":            "gemini",
	"gemini-1.0-pro":        "gemini",
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-pro-002":    "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-1.5-flash-002":  "gemini",
	"gemini-1.5-flash-8b":   "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
	"gemma-3-27b-it":        "gemini",
	"gemma-3-12b-it":        "gemini",
	"gemma-3-4b-it":         "gemini",
	"gemma-2-27b-it":        "gemini",
	"gemma-2-9b-it":         "gemini",
	"gemma-2-2b-it":         "gemini",
}

// ProviderForModel resolves a model name to its provider, with prefix
// matching as a fallback for dated model variants not in the alias table.
func ProviderForModel(model string) (string, bool) {
	if p, ok := ModelAliases[model]; ok {
		return p, true
	}
	switch {
	case hasAnyPrefix(model, "gpt-", "o1", "o3", "o4", "chatgpt-"):
		return "openai", true
	case hasAnyPrefix(model, "claude-"):
		return "anthropic", true
	case hasAnyPrefix(model, "gemini-", "gemma-"):
		return "gemini", true
	}
	return "", false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
