// Package translate converts chat-completion requests and responses between
// the gateway's canonical representation and each supported vendor's wire
// format (OpenAI-style chat completions, Anthropic messages, Google
// generative-content), for both single-shot and streamed responses.
//
// The canonical schema is OpenAI-flavoured: it is the hub every vendor format
// maps in and out of. Streaming translation is handled by stateful
// StreamDecoder instances that tolerate frames split across arbitrary chunk
// boundaries.
package translate

import "encoding/json"

// Message is a single conversation turn in the canonical schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a canonical tool (function) definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the canonical chat-completion request.
type ChatRequest struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	Tools         []Tool    `json:"tools,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	StopSequences []string  `json:"stop,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

// Usage — token usage stats.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single canonical completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the canonical chat-completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the text of the first choice, or "".
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Frame is one decoded unit of a streamed response in canonical form.
// A Frame with Done set marks the end of the stream; decoders that reach
// end-of-input without a vendor terminator synthesize one in Flush.
type Frame struct {
	Content      string
	Role         string
	FinishReason string
	Usage        *Usage
	Done         bool
}

// StreamDecoder is a stateful incremental parser for one vendor's streamed
// response format. Feed may be called with arbitrarily small chunks — a chunk
// may end mid-frame; the decoder buffers the remainder and carries it
// forward. Malformed frames are skipped and counted, never fatal.
type StreamDecoder interface {
	// Feed consumes the next chunk of the vendor byte stream and returns
	// zero or more complete canonical frames.
	Feed(p []byte) []Frame

	// Flush drains any buffered partial frame at end of stream and returns
	// the trailing frames, including a synthetic Done frame when the vendor
	// format has no explicit terminator.
	Flush() []Frame

	// Text returns the completion text accumulated so far, in arrival order.
	Text() string

	// Usage returns the vendor-reported usage, if any frame carried it.
	Usage() (Usage, bool)

	// Malformed returns the number of frames skipped as unparseable.
	Malformed() int
}

// VendorAdapter maps between the canonical schema and one vendor's wire
// format. Implementations are registered in a Registry keyed by provider
// identifier — explicit dispatch, no runtime type inspection.
type VendorAdapter interface {
	// Name returns the provider identifier ("openai", "anthropic", "gemini").
	Name() string

	// FromCanonicalRequest renders the canonical request as a vendor request
	// body. Canonical features the vendor cannot express are dropped and
	// reported in warnings, never silently corrupted.
	FromCanonicalRequest(req *ChatRequest) (body []byte, warnings []string, err error)

	// ToCanonicalRequest parses a vendor-shaped request body into the
	// canonical schema.
	ToCanonicalRequest(body []byte) (req *ChatRequest, warnings []string, err error)

	// ToCanonicalResponse parses a complete (non-streamed) vendor response
	// body, extracting usage when the vendor reports it.
	ToCanonicalResponse(body []byte) (*ChatResponse, error)

	// NewStreamDecoder returns a fresh stateful decoder for one streamed
	// response. Decoders are single-use and not safe for concurrent use.
	NewStreamDecoder() StreamDecoder
}
