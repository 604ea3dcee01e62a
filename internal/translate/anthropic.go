package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter maps the canonical schema to and from the Anthropic
// messages API wire format. System/developer turns fold into the top-level
// system prompt; streamed responses use typed SSE events.
type AnthropicAdapter struct{}

func (*AnthropicAdapter) Name() string { return "anthropic" }

type (
	anthropicMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	anthropicTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	anthropicRequest struct {
		Model         string             `json:"model"`
		Messages      []anthropicMessage `json:"messages"`
		System        string             `json:"system,omitempty"`
		Tools         []anthropicTool    `json:"tools,omitempty"`
		MaxTokens     int                `json:"max_tokens"`
		Temperature   float64            `json:"temperature,omitempty"`
		StopSequences []string           `json:"stop_sequences,omitempty"`
		Stream        bool               `json:"stream,omitempty"`
	}

	anthropicContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponse struct {
		ID         string                  `json:"id"`
		Model      string                  `json:"model"`
		Content    []anthropicContentBlock `json:"content"`
		StopReason string                  `json:"stop_reason"`
		Usage      anthropicUsage          `json:"usage"`
	}
)

func (*AnthropicAdapter) FromCanonicalRequest(req *ChatRequest) ([]byte, []string, error) {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = anthropicDefaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant":
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("translate: anthropic request: %w", err)
	}
	return body, nil, nil
}

func (*AnthropicAdapter) ToCanonicalRequest(body []byte) (*ChatRequest, []string, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("translate: parse anthropic request: %w", err)
	}
	if in.Model == "" {
		return nil, nil, fmt.Errorf("translate: field 'model' is required")
	}

	req := &ChatRequest{
		Model:         in.Model,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		StopSequences: in.StopSequences,
		Stream:        in.Stream,
	}
	if in.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: m.Content})
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return req, nil, nil
}

func (*AnthropicAdapter) ToCanonicalResponse(body []byte) (*ChatResponse, error) {
	var in anthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse anthropic response: %w", err)
	}

	var sb strings.Builder
	for _, b := range in.Content {
		if b.Type == "text" || b.Type == "" {
			sb.WriteString(b.Text)
		}
	}

	return &ChatResponse{
		ID:    in.ID,
		Model: in.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: sb.String()},
			FinishReason: anthropicStopToFinish(in.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}, nil
}

func anthropicStopToFinish(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return "stop"
	}
}

func (*AnthropicAdapter) NewStreamDecoder() StreamDecoder {
	return &anthropicStreamDecoder{}
}

// anthropicStreamDecoder parses the Anthropic messages SSE event stream:
// message_start carries model/id and input token usage, content_block_delta
// carries text deltas, message_delta carries the stop reason and output
// token usage, message_stop ends the stream.
type anthropicStreamDecoder struct {
	lines     lineBuffer
	events    sseAssembler
	text      bytes.Buffer
	usage     Usage
	hasUsage  bool
	malformed int
	roleSent  bool
	done      bool
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
}

func (d *anthropicStreamDecoder) Feed(p []byte) []Frame {
	var frames []Frame
	for _, line := range d.lines.feed(p) {
		if ev, ok := d.events.feedLine(line); ok {
			frames = append(frames, d.handleEvent(ev)...)
		}
	}
	return frames
}

func (d *anthropicStreamDecoder) handleEvent(ev *sseEvent) []Frame {
	var parsed anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &parsed); err != nil {
		d.malformed++
		return nil
	}

	typ := parsed.Type
	if typ == "" {
		typ = ev.Event
	}

	switch typ {
	case "message_start":
		if parsed.Message != nil {
			d.usage.PromptTokens = parsed.Message.Usage.InputTokens
			d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
			d.hasUsage = true
		}
		if !d.roleSent {
			d.roleSent = true
			return []Frame{{Role: "assistant"}}
		}
		return nil

	case "content_block_delta":
		if parsed.Delta == nil || parsed.Delta.Type != "text_delta" || parsed.Delta.Text == "" {
			return nil
		}
		d.text.WriteString(parsed.Delta.Text)
		return []Frame{{Content: parsed.Delta.Text}}

	case "message_delta":
		var frames []Frame
		if parsed.Usage != nil {
			d.usage.CompletionTokens = parsed.Usage.OutputTokens
			d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
			d.hasUsage = true
		}
		if parsed.Delta != nil && parsed.Delta.StopReason != "" {
			u := d.usage
			frames = append(frames, Frame{
				FinishReason: anthropicStopToFinish(parsed.Delta.StopReason),
				Usage:        &u,
			})
		}
		return frames

	case "message_stop":
		if d.done {
			return nil
		}
		d.done = true
		return []Frame{{Done: true}}

	case "ping", "content_block_start", "content_block_stop":
		return nil

	case "error":
		d.malformed++
		return nil

	default:
		return nil
	}
}

func (d *anthropicStreamDecoder) Flush() []Frame {
	var frames []Frame
	if rest := d.lines.rest(); len(rest) > 0 {
		if ev, ok := d.events.feedLine(rest); ok {
			frames = append(frames, d.handleEvent(ev)...)
		}
		d.lines.rem = nil
	}
	if ev, ok := d.events.flush(); ok {
		frames = append(frames, d.handleEvent(ev)...)
	}
	if !d.done {
		d.done = true
		frames = append(frames, Frame{Done: true})
	}
	return frames
}

func (d *anthropicStreamDecoder) Text() string { return d.text.String() }

func (d *anthropicStreamDecoder) Usage() (Usage, bool) { return d.usage, d.hasUsage }

func (d *anthropicStreamDecoder) Malformed() int { return d.malformed }
