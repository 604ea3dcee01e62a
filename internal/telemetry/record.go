// Package telemetry assembles the per-request log record and dispatches it
// onto the durable queue without ever touching the client-facing latency
// path. Records are written to a bounded channel by the gateway and flushed
// by a background goroutine; when the channel is full the record is dropped
// and counted rather than blocking the response.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request outcome as recorded in a LogRecord.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// LogRecord is one completed (or abandoned) gateway request. It is created
// at response completion, immutable once enqueued, and reaches its terminal
// state when a consumer persists it or DLQ retries are exhausted.
type LogRecord struct {
	RequestID uuid.UUID `json:"request_id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Region    string    `json:"region,omitempty"`

	// RequestBody is the sanitized canonical request (credentials stripped).
	RequestBody json.RawMessage `json:"request_body,omitempty"`
	// ResponseRaw is the vendor response as received; ResponseBody is its
	// canonical normalization.
	ResponseRaw  json.RawMessage `json:"response_raw,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	FirstByteAt time.Time `json:"first_byte_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostCents int64 `json:"cost_cents"`

	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	ErrorMsg   string `json:"error_message,omitempty"`

	CacheHit bool `json:"cache_hit"`
	Streamed bool `json:"streamed"`

	// Properties carries caller-supplied tags (Helicone-Property-* headers).
	Properties map[string]string `json:"properties,omitempty"`
}

// LatencyMs returns the end-to-end request latency in milliseconds.
func (r *LogRecord) LatencyMs() int64 {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}

// TimeToFirstByteMs returns the stream time-to-first-byte in milliseconds,
// or 0 for non-streamed requests.
func (r *LogRecord) TimeToFirstByteMs() int64 {
	if r.StartedAt.IsZero() || r.FirstByteAt.IsZero() {
		return 0
	}
	return r.FirstByteAt.Sub(r.StartedAt).Milliseconds()
}
