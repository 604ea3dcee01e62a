package passthrough

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/translate"
)

func baseRequest() *providers.Request {
	return &providers.Request{
		Chat: &translate.ChatRequest{
			Model:    "custom-model",
			Messages: []translate.Message{{Role: "user", Content: "Hello"}},
		},
		RequestID: "req-pt-1",
	}
}

func newTestProvider(srv *httptest.Server, dialect string) *Provider {
	return New("override", dialect, srv.URL+"/v1/chat/completions", "target-key", translate.NewRegistry())
}

func TestPassthrough_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer target-key" {
			t.Errorf("expected bearer auth, got %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body["model"] != "custom-model" {
			t.Errorf("expected model in forwarded body, got %v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","model":"custom-model","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv, "openai")

	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Chat == nil {
		t.Fatal("expected non-nil Chat response")
	}
	if got := resp.Chat.Content(); got != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", got)
	}
	if resp.Chat.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 total tokens, got %d", resp.Chat.Usage.TotalTokens)
	}
	if len(resp.Raw) == 0 {
		t.Error("expected raw response body to be captured")
	}
}

func TestPassthrough_AnthropicDialectAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "target-key" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","model":"custom-model","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv, "anthropic")

	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resp.Chat.Content(); got != "ok" {
		t.Errorf("expected 'ok', got %q", got)
	}
}

func TestPassthrough_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream down"}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv, "openai")

	_, err := p.Request(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 502, got nil")
	}

	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", provErr.HTTPStatus())
	}
	if !strings.Contains(provErr.Message, "upstream down") {
		t.Errorf("expected upstream body in message, got %q", provErr.Message)
	}
}

func TestPassthrough_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"cmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"cmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("expected SSE accept header, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Chat.Stream = true

	p := newTestProvider(srv, "openai")

	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var content string
	sawDone := false
	var usage *translate.Usage
	for frame := range resp.Stream {
		content += frame.Content
		if frame.Usage != nil {
			usage = frame.Usage
		}
		if frame.Done {
			sawDone = true
		}
	}

	if content != "Hello" {
		t.Errorf("expected 'Hello', got %q", content)
	}
	if !sawDone {
		t.Error("expected a terminal Done frame")
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("expected usage total 5, got %+v", usage)
	}
}

func TestPassthrough_UnknownDialect(t *testing.T) {
	p := New("override", "cohere", "http://localhost:1/v1", "", translate.NewRegistry())
	_, err := p.Request(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for unregistered dialect")
	}
}
