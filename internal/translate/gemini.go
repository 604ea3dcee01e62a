package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// GeminiAdapter maps the canonical schema to and from the Google
// generative-content (generateContent) wire format. Streamed responses are
// SSE-framed GenerateContentResponse objects with no explicit terminator;
// the decoder synthesizes one at end of stream.
type GeminiAdapter struct{}

func (*GeminiAdapter) Name() string { return "gemini" }

type (
	geminiPart struct {
		Text string `json:"text,omitempty"`
	}

	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts"`
	}

	geminiFunctionDecl struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	geminiToolBlock struct {
		FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
	}

	geminiGenerationConfig struct {
		Temperature     float64  `json:"temperature,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	}

	geminiRequest struct {
		Model             string                  `json:"model,omitempty"`
		Contents          []geminiContent         `json:"contents"`
		SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
		Tools             []geminiToolBlock       `json:"tools,omitempty"`
		GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	}

	geminiUsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}

	geminiCandidate struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
		Index        int           `json:"index"`
	}

	geminiResponse struct {
		ResponseID    string               `json:"responseId"`
		ModelVersion  string               `json:"modelVersion"`
		Candidates    []geminiCandidate    `json:"candidates"`
		UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	}
)

func (*GeminiAdapter) FromCanonicalRequest(req *ChatRequest) ([]byte, []string, error) {
	out := geminiRequest{}

	var system []string
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant", "model":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n")}},
		}
	}

	if len(req.Tools) > 0 {
		block := geminiToolBlock{}
		for _, t := range req.Tools {
			block.FunctionDeclarations = append(block.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []geminiToolBlock{block}
	}

	if req.Temperature > 0 || req.MaxTokens > 0 || len(req.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("translate: gemini request: %w", err)
	}
	return body, nil, nil
}

func (*GeminiAdapter) ToCanonicalRequest(body []byte) (*ChatRequest, []string, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, nil, fmt.Errorf("translate: parse gemini request: %w", err)
	}

	req := &ChatRequest{Model: in.Model}
	if in.SystemInstruction != nil {
		req.Messages = append(req.Messages, Message{
			Role:    "system",
			Content: joinParts(in.SystemInstruction.Parts),
		})
	}
	for _, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: joinParts(c.Parts)})
	}
	for _, block := range in.Tools {
		for _, fd := range block.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	if in.GenerationConfig != nil {
		req.Temperature = in.GenerationConfig.Temperature
		req.MaxTokens = in.GenerationConfig.MaxOutputTokens
		req.StopSequences = in.GenerationConfig.StopSequences
	}
	return req, nil, nil
}

func joinParts(parts []geminiPart) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (*GeminiAdapter) ToCanonicalResponse(body []byte) (*ChatResponse, error) {
	var in geminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("translate: parse gemini response: %w", err)
	}

	resp := &ChatResponse{
		ID:    in.ResponseID,
		Model: in.ModelVersion,
	}
	for _, c := range in.Candidates {
		resp.Choices = append(resp.Choices, Choice{
			Index:        c.Index,
			Message:      Message{Role: "assistant", Content: joinParts(c.Content.Parts)},
			FinishReason: geminiFinishToCanonical(c.FinishReason),
		})
	}
	if in.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     in.UsageMetadata.PromptTokenCount,
			CompletionTokens: in.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      in.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

func geminiFinishToCanonical(reason string) string {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST":
		return "content_filter"
	case "STOP", "":
		return "stop"
	default:
		return "stop"
	}
}

func (*GeminiAdapter) NewStreamDecoder() StreamDecoder {
	return &geminiStreamDecoder{}
}

// geminiStreamDecoder parses streamGenerateContent SSE frames. Every data
// line is a full GenerateContentResponse; usage metadata is cumulative, so
// later frames overwrite earlier values. There is no vendor terminator.
type geminiStreamDecoder struct {
	lines     lineBuffer
	text      bytes.Buffer
	usage     Usage
	hasUsage  bool
	malformed int
	roleSent  bool
	done      bool
}

func (d *geminiStreamDecoder) Feed(p []byte) []Frame {
	var frames []Frame
	for _, line := range d.lines.feed(p) {
		frames = append(frames, d.handleLine(line)...)
	}
	return frames
}

func (d *geminiStreamDecoder) handleLine(line []byte) []Frame {
	payload := line
	if bytes.HasPrefix(line, []byte("data:")) {
		payload = bytes.TrimSpace(line[len("data:"):])
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}

	var resp geminiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.malformed++
		return nil
	}

	var frames []Frame
	if !d.roleSent {
		d.roleSent = true
		frames = append(frames, Frame{Role: "assistant"})
	}

	if resp.UsageMetadata != nil {
		d.usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
		d.hasUsage = true
	}

	for _, c := range resp.Candidates {
		text := joinParts(c.Content.Parts)
		if text != "" {
			d.text.WriteString(text)
			frames = append(frames, Frame{Content: text})
		}
		if c.FinishReason != "" {
			u := d.usage
			frames = append(frames, Frame{
				FinishReason: geminiFinishToCanonical(c.FinishReason),
				Usage:        &u,
			})
		}
	}
	return frames
}

func (d *geminiStreamDecoder) Flush() []Frame {
	var frames []Frame
	if rest := d.lines.rest(); len(rest) > 0 {
		frames = append(frames, d.handleLine(rest)...)
		d.lines.rem = nil
	}
	if !d.done {
		d.done = true
		frames = append(frames, Frame{Done: true})
	}
	return frames
}

func (d *geminiStreamDecoder) Text() string { return d.text.String() }

func (d *geminiStreamDecoder) Usage() (Usage, bool) { return d.usage, d.hasUsage }

func (d *geminiStreamDecoder) Malformed() int { return d.malformed }
