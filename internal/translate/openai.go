package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OpenAIAdapter maps the canonical schema to and from the OpenAI chat
// completions wire format. Since the canonical schema is OpenAI-flavoured the
// field mapping is near-identity; this adapter is also used for any
// OpenAI-compatible upstream (explicit target URL overrides).
type OpenAIAdapter struct{}

func (*OpenAIAdapter) Name() string { return "openai" }

type (
	openaiMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	openaiToolFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	openaiTool struct {
		Type     string             `json:"type"`
		Function openaiToolFunction `json:"function"`
	}

	openaiRequest struct {
		Model       string          `json:"model"`
		Messages    []openaiMessage `json:"messages"`
		Tools       []openaiTool    `json:"tools,omitempty"`
		Temperature float64         `json:"temperature,omitempty"`
		MaxTokens   int             `json:"max_tokens,omitempty"`
		Stop        json.RawMessage `json:"stop,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
	}

	openaiChoice struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}

	openaiResponse struct {
		ID      string         `json:"id"`
		Model   string         `json:"model"`
		Created int64          `json:"created"`
		Choices []openaiChoice `json:"choices"`
		Usage   *openaiUsage   `json:"usage"`
	}

	openaiUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

func (*OpenAIAdapter) FromCanonicalRequest(req *ChatRequest) ([]byte, []string, error) {
	out := openaiRequest{
		Model:       req.Model,
		Messages:    make([]openaiMessage, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	for i, m := range req.Messages {
		out.Messages[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(req.StopSequences) > 0 {
		stop, err := json.Marshal(req.StopSequences)
		if err != nil {
			return nil, nil, fmt.Errorf("translate: openai stop sequences: %w", err)
		}
		out.Stop = stop
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("translate: openai request: %w", err)
	}
	return body, nil, nil
}

func (*OpenAIAdapter) ToCanonicalRequest(body []byte) (*ChatRequest, []string, error) {
	var in openaiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("translate: parse openai request: %w", err)
	}
	if in.Model == "" {
		return nil, nil, fmt.Errorf("translate: field 'model' is required")
	}

	req := &ChatRequest{
		Model:       in.Model,
		Messages:    make([]Message, len(in.Messages)),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Stream:      in.Stream,
	}
	for i, m := range in.Messages {
		req.Messages[i] = Message{Role: m.Role, Content: m.Content}
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	var warnings []string
	if len(in.Stop) > 0 {
		stops, ok := parseStop(in.Stop)
		if !ok {
			warnings = append(warnings, "unparseable 'stop' field dropped")
		}
		req.StopSequences = stops
	}
	return req, warnings, nil
}

// parseStop accepts the OpenAI "stop" field, which is a string or an array
// of strings.
func parseStop(raw json.RawMessage) ([]string, bool) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, true
		}
		return []string{s}, true
	}
	return nil, false
}

func (*OpenAIAdapter) ToCanonicalResponse(body []byte) (*ChatResponse, error) {
	var in openaiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse openai response: %w", err)
	}

	resp := &ChatResponse{
		ID:      in.ID,
		Model:   in.Model,
		Created: in.Created,
	}
	for _, c := range in.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Index:        c.Index,
			Message:      Message{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	if in.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     in.Usage.PromptTokens,
			CompletionTokens: in.Usage.CompletionTokens,
			TotalTokens:      in.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (*OpenAIAdapter) NewStreamDecoder() StreamDecoder {
	return &openaiStreamDecoder{}
}

// openaiStreamDecoder parses OpenAI-style SSE chat completion chunks.
// Each data line is a self-contained JSON frame; the stream terminates with
// `data: [DONE]`. Usage, when requested, arrives on the final chunk.
type openaiStreamDecoder struct {
	lines     lineBuffer
	text      bytes.Buffer
	usage     Usage
	hasUsage  bool
	malformed int
	done      bool
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

func (d *openaiStreamDecoder) Feed(p []byte) []Frame {
	var frames []Frame
	for _, line := range d.lines.feed(p) {
		if f, ok := d.handleLine(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func (d *openaiStreamDecoder) handleLine(line []byte) (Frame, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Frame{}, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return Frame{}, false
	}
	if bytes.Equal(payload, doneSentinel) {
		if d.done {
			return Frame{}, false
		}
		d.done = true
		return Frame{Done: true}, true
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		d.malformed++
		return Frame{}, false
	}

	f := Frame{}
	if chunk.Usage != nil {
		d.usage = Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		d.hasUsage = true
		u := d.usage
		f.Usage = &u
	}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		f.Role = c.Delta.Role
		f.Content = c.Delta.Content
		if c.FinishReason != nil {
			f.FinishReason = *c.FinishReason
		}
	}
	d.text.WriteString(f.Content)

	if f.Content == "" && f.Role == "" && f.FinishReason == "" && f.Usage == nil {
		return Frame{}, false
	}
	return f, true
}

func (d *openaiStreamDecoder) Flush() []Frame {
	var frames []Frame
	if rest := d.lines.rest(); len(rest) > 0 {
		if f, ok := d.handleLine(rest); ok {
			frames = append(frames, f)
		}
		d.lines.rem = nil
	}
	if !d.done {
		d.done = true
		frames = append(frames, Frame{Done: true})
	}
	return frames
}

func (d *openaiStreamDecoder) Text() string { return d.text.String() }

func (d *openaiStreamDecoder) Usage() (Usage, bool) { return d.usage, d.hasUsage }

func (d *openaiStreamDecoder) Malformed() int { return d.malformed }
