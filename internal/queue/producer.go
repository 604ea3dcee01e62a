package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/traceway/traceway/internal/telemetry"
)

// Producer appends records to one stream. It implements telemetry.Enqueuer.
type Producer struct {
	rdb    *redis.Client
	stream string
}

// NewProducer creates a Producer for the given stream. The caller owns the
// Redis client lifecycle.
func NewProducer(rdb *redis.Client, stream string) *Producer {
	return &Producer{rdb: rdb, stream: stream}
}

// Enqueue appends rec to the stream. The write is durable once XADD
// returns; delivery bookkeeping lives entirely on the consumer side.
func (p *Producer) Enqueue(ctx context.Context, rec *telemetry.LogRecord) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{recordField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: XADD %s: %w", p.stream, err)
	}
	return nil
}

// Depth returns the approximate number of entries in the stream, including
// delivered-but-unacknowledged ones. This is the congestion signal input.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	n, err := p.rdb.XLen(ctx, p.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: XLEN %s: %w", p.stream, err)
	}
	return n, nil
}

var _ telemetry.Enqueuer = (*Producer)(nil)
