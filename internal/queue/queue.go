// Package queue provides an at-least-once delivery queue over Redis
// Streams. Producers XADD serialized log records; consumers read through a
// consumer group, acknowledge only after successful persistence, and redrive
// repeatedly failing messages to the dead-letter stream.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/traceway/traceway/internal/telemetry"
)

// Stream names. Normal carries bulk request logs, Scores carries
// evaluation/feedback records, DLQ holds messages that exhausted normal
// processing.
const (
	StreamNormal = "queue:requests"
	StreamScores = "queue:scores"
	StreamDLQ    = "queue:dlq"
)

// MaxAttempts is the delivery count after which a message is redriven to
// the DLQ instead of retried.
const MaxAttempts = 3

const recordField = "record"

// Message is one delivered queue entry. Attempts is the consumer-group
// delivery count, so 1 on first delivery.
type Message struct {
	ID       string
	Stream   string
	Attempts int64
	Record   *telemetry.LogRecord

	// Payload is the raw serialized record, kept so undecodable messages
	// can still be redriven verbatim.
	Payload string
}

func encodeRecord(rec *telemetry.LogRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("queue: marshal record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(payload string) (*telemetry.LogRecord, error) {
	var rec telemetry.LogRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("queue: unmarshal record: %w", err)
	}
	return &rec, nil
}
