package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads one stream through a consumer group. Messages stay pending
// until Ack; Redrive moves entries that have been delivered MaxAttempts
// times to the DLQ stream and requeues younger stragglers to this consumer.
type Consumer struct {
	rdb    *redis.Client
	stream string
	group  string
	name   string

	// minIdle is how long a pending message must sit unacknowledged before
	// Redrive touches it.
	minIdle time.Duration
}

// NewConsumer creates a Consumer identified as name within group, creating
// the group (and stream) if missing.
func NewConsumer(ctx context.Context, rdb *redis.Client, stream, group, name string) (*Consumer, error) {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue: create group %s on %s: %w", group, stream, err)
	}

	return &Consumer{
		rdb:     rdb,
		stream:  stream,
		group:   group,
		name:    name,
		minIdle: 30 * time.Second,
	}, nil
}

// SetMinIdle overrides the idle threshold for Redrive. Zero means every
// pending message is eligible immediately.
func (c *Consumer) SetMinIdle(d time.Duration) {
	c.minIdle = d
}

// Fetch long-polls the stream for up to block, returning at most count new
// messages. A nil slice with nil error means the poll timed out empty.
func (c *Consumer) Fetch(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: XREADGROUP %s: %w", c.stream, err)
	}

	var msgs []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			msgs = append(msgs, c.toMessage(entry, 1))
		}
	}
	return msgs, nil
}

// Ack acknowledges and deletes a successfully persisted message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("queue: XACK %s %s: %w", c.stream, id, err)
	}
	if err := c.rdb.XDel(ctx, c.stream, id).Err(); err != nil {
		return fmt.Errorf("queue: XDEL %s %s: %w", c.stream, id, err)
	}
	return nil
}

// Redrive scans the group's pending entries. Messages delivered MaxAttempts
// or more times are appended to the DLQ stream and acknowledged here; the
// rest, once idle past minIdle, are claimed back to this consumer and
// returned for reprocessing.
func (c *Consumer) Redrive(ctx context.Context) (requeued []Message, deadLettered int, err error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   c.minIdle,
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("queue: XPENDING %s: %w", c.stream, err)
	}

	for _, p := range pending {
		claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return requeued, deadLettered, fmt.Errorf("queue: XCLAIM %s %s: %w", c.stream, p.ID, err)
		}
		if len(claimed) == 0 {
			// Another consumer claimed it first, or it was acked meanwhile.
			continue
		}

		msg := c.toMessage(claimed[0], p.RetryCount)

		if p.RetryCount >= MaxAttempts && c.stream != StreamDLQ {
			if err := c.deadLetter(ctx, msg); err != nil {
				return requeued, deadLettered, err
			}
			deadLettered++
			continue
		}

		requeued = append(requeued, msg)
	}

	return requeued, deadLettered, nil
}

// deadLetter appends the message payload to the DLQ stream, then removes it
// from this stream. Append-before-ack keeps delivery at-least-once: a crash
// between the two duplicates rather than loses.
func (c *Consumer) deadLetter(ctx context.Context, msg Message) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDLQ,
		Values: map[string]interface{}{recordField: msg.Payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: dead-letter XADD: %w", err)
	}
	return c.Ack(ctx, msg.ID)
}

// Depth returns the total entries in the stream, including pending ones.
func (c *Consumer) Depth(ctx context.Context) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: XLEN %s: %w", c.stream, err)
	}
	return n, nil
}

func (c *Consumer) toMessage(entry redis.XMessage, attempts int64) Message {
	msg := Message{
		ID:       entry.ID,
		Stream:   c.stream,
		Attempts: attempts,
	}
	if payload, ok := entry.Values[recordField].(string); ok {
		msg.Payload = payload
		if rec, err := decodeRecord(payload); err == nil {
			msg.Record = rec
		}
	}
	return msg
}
