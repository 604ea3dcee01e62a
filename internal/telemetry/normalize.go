package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnusableRecord is returned by Normalize in strict mode when a record is
// missing fields that persistence cannot substitute.
var ErrUnusableRecord = errors.New("telemetry: record missing required fields")

// Normalize validates a record in place before persistence, coercing or
// dropping malformed optional fields rather than rejecting the whole record
// where possible. In strict mode (normal and scores consumers) a record with
// no request id or organization is rejected; in permissive mode (DLQ
// redrive) placeholders are substituted so the record is not lost.
// Returns the list of repairs applied, for logging.
func Normalize(r *LogRecord, permissive bool) ([]string, error) {
	var repairs []string

	if r.RequestID == uuid.Nil {
		if !permissive {
			return nil, fmt.Errorf("%w: request_id", ErrUnusableRecord)
		}
		r.RequestID = uuid.New()
		repairs = append(repairs, "request_id: generated")
	}

	if r.OrgID == "" {
		if !permissive {
			return nil, fmt.Errorf("%w: org_id", ErrUnusableRecord)
		}
		r.OrgID = "unknown"
		repairs = append(repairs, "org_id: substituted unknown")
	}

	if r.PromptTokens < 0 {
		r.PromptTokens = 0
		repairs = append(repairs, "prompt_tokens: clamped negative")
	}
	if r.CompletionTokens < 0 {
		r.CompletionTokens = 0
		repairs = append(repairs, "completion_tokens: clamped negative")
	}
	if sum := r.PromptTokens + r.CompletionTokens; r.TotalTokens != sum {
		r.TotalTokens = sum
		repairs = append(repairs, "total_tokens: recomputed")
	}

	if r.CostCents < 0 {
		r.CostCents = 0
		repairs = append(repairs, "cost_cents: clamped negative")
	}

	now := time.Now().UTC()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
		repairs = append(repairs, "started_at: defaulted")
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = r.StartedAt
		repairs = append(repairs, "completed_at: defaulted")
	}
	if r.CompletedAt.Before(r.StartedAt) {
		r.CompletedAt = r.StartedAt
		repairs = append(repairs, "completed_at: clamped before started_at")
	}

	switch r.Status {
	case StatusSuccess, StatusError, StatusPending:
	case "":
		r.Status = StatusPending
		repairs = append(repairs, "status: defaulted pending")
	default:
		r.Status = StatusError
		repairs = append(repairs, "status: coerced unknown value")
	}

	return repairs, nil
}
