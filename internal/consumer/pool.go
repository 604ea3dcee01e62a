// Package consumer drains the durable queues and persists log records.
// Three pools run side by side: normal (bulk request logs), scores
// (evaluation logs) and DLQ (redriven failures), each with its own worker
// count. Workers acknowledge a message only after the sink accepts it, so
// every record is delivered at least once.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traceway/traceway/internal/queue"
	"github.com/traceway/traceway/internal/telemetry"
)

const (
	fetchCount    = 32
	fetchBlock    = 2 * time.Second
	redriveEvery  = 30 * time.Second
	persistBudget = 10 * time.Second
)

// Sink is the persistence backend. Implemented by clickhouse.Sink.
type Sink interface {
	Persist(ctx context.Context, recs ...*telemetry.LogRecord) error
}

// Queue is the consumer-side queue surface, implemented by *queue.Consumer.
type Queue interface {
	Fetch(ctx context.Context, count int64, block time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, id string) error
	Redrive(ctx context.Context) (requeued []queue.Message, deadLettered int, err error)
	Depth(ctx context.Context) (int64, error)
}

// Pool is one set of workers draining one queue.
type Pool struct {
	name    string
	q       Queue
	sink    Sink
	workers int

	// permissive selects DLQ-mode normalization: repair instead of reject,
	// and drop (with a terminal log line) what still cannot be persisted.
	permissive bool

	log *slog.Logger
}

// NewPool creates a pool of workers draining q into sink. name appears in
// log lines ("normal", "scores", "dlq").
func NewPool(name string, q Queue, sink Sink, workers int, permissive bool, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		name:       name,
		q:          q,
		sink:       sink,
		workers:    workers,
		permissive: permissive,
		log:        log,
	}
}

// Run starts the workers plus one redrive loop and blocks until ctx is
// cancelled and all workers have returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.workLoop(ctx)
			return nil
		})
	}

	g.Go(func() error {
		p.redriveLoop(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Pool) workLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := p.q.Fetch(ctx, fetchCount, fetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.ErrorContext(ctx, "consumer_fetch_error",
				slog.String("pool", p.name),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			p.process(ctx, msg)
		}
	}
}

func (p *Pool) redriveLoop(ctx context.Context) {
	ticker := time.NewTicker(redriveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		requeued, dead, err := p.q.Redrive(ctx)
		if err != nil {
			p.log.ErrorContext(ctx, "consumer_redrive_error",
				slog.String("pool", p.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dead > 0 {
			p.log.WarnContext(ctx, "consumer_dead_lettered",
				slog.String("pool", p.name),
				slog.Int("count", dead),
			)
		}
		for _, msg := range requeued {
			p.process(ctx, msg)
		}
	}
}

// process normalizes and persists one message. The message is acked only
// after the sink accepts the record; any earlier return leaves it pending
// for the redrive machinery.
func (p *Pool) process(ctx context.Context, msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistBudget)
	defer cancel()

	if msg.Record == nil {
		// Undecodable payload. Normal pools leave it for DLQ redrive; the
		// DLQ pool drops it terminally so it cannot cycle forever.
		if p.permissive {
			p.log.ErrorContext(ctx, "consumer_dropping_undecodable",
				slog.String("pool", p.name),
				slog.String("message_id", msg.ID),
				slog.Int64("attempts", msg.Attempts),
			)
			p.ack(ctx, msg.ID)
		}
		return
	}

	repairs, err := telemetry.Normalize(msg.Record, p.permissive)
	if err != nil {
		if errors.Is(err, telemetry.ErrUnusableRecord) && p.permissive {
			// Permissive normalization only fails on truly hopeless input.
			p.log.ErrorContext(ctx, "consumer_dropping_unusable",
				slog.String("pool", p.name),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			p.ack(ctx, msg.ID)
			return
		}
		p.log.WarnContext(ctx, "consumer_record_rejected",
			slog.String("pool", p.name),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(repairs) > 0 {
		p.log.DebugContext(ctx, "consumer_record_repaired",
			slog.String("pool", p.name),
			slog.String("request_id", msg.Record.RequestID.String()),
			slog.Any("repairs", repairs),
		)
	}

	if err := p.sink.Persist(ctx, msg.Record); err != nil {
		p.log.ErrorContext(ctx, "consumer_persist_error",
			slog.String("pool", p.name),
			slog.String("request_id", msg.Record.RequestID.String()),
			slog.Int64("attempts", msg.Attempts),
			slog.String("error", err.Error()),
		)
		return
	}

	p.ack(ctx, msg.ID)
}

func (p *Pool) ack(ctx context.Context, id string) {
	if err := p.q.Ack(ctx, id); err != nil {
		p.log.ErrorContext(ctx, "consumer_ack_error",
			slog.String("pool", p.name),
			slog.String("message_id", id),
			slog.String("error", err.Error()),
		)
	}
}
