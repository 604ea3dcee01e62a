// Package clickhouse persists normalized log records for analytics. The
// consumer pool writes through Sink after normalization; a failed insert
// leaves the queue message unacknowledged so the delivery machinery retries
// it.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/traceway/traceway/internal/telemetry"
)

const insertQuery = `
	INSERT INTO request_logs (
		request_id, org_id, user_id, provider, model, region,
		started_at, completed_at, latency_ms, ttfb_ms,
		prompt_tokens, completion_tokens, total_tokens, cost_cents,
		status, status_code, error_message, cache_hit, streamed
	)
`

// Sink writes log records to the request_logs table.
type Sink struct {
	conn driver.Conn
}

// Options configures the ClickHouse connection.
type Options struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// NewSink opens a native-protocol connection and verifies it with a ping.
func NewSink(ctx context.Context, opts Options) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	return &Sink{conn: conn}, nil
}

// NewSinkFromConn wraps an existing connection, mainly for tests.
func NewSinkFromConn(conn driver.Conn) *Sink {
	return &Sink{conn: conn}
}

// Persist writes a batch of records. Idempotence comes from the table's
// ReplacingMergeTree keyed on request_id, so at-least-once redelivery never
// duplicates a row in query results.
func (s *Sink) Persist(ctx context.Context, recs ...*telemetry.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, r := range recs {
		err := batch.Append(
			r.RequestID.String(),
			r.OrgID,
			r.UserID,
			r.Provider,
			r.Model,
			r.Region,
			r.StartedAt,
			r.CompletedAt,
			r.LatencyMs(),
			r.TimeToFirstByteMs(),
			int32(r.PromptTokens),
			int32(r.CompletionTokens),
			int32(r.TotalTokens),
			r.CostCents,
			r.Status,
			int32(r.StatusCode),
			r.ErrorMsg,
			r.CacheHit,
			r.Streamed,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append %s: %w", r.RequestID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
