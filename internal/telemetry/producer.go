package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	flushInterval = time.Second
)

// Enqueuer hands a record to a durable queue. Implemented by queue.Producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec *LogRecord) error
}

// Producer accepts completed records on the hot path and dispatches them to
// a primary queue, with an optional best-effort dual write to a secondary.
// Emit never blocks: a full internal channel drops the record and increments
// the drop counter. Queue failures are logged, never surfaced to the request
// path.
type Producer struct {
	ch        chan *LogRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	primary   Enqueuer
	secondary Enqueuer

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewProducer starts the dispatch goroutine. secondary may be nil to disable
// dual writes.
func NewProducer(ctx context.Context, primary, secondary Enqueuer, log *slog.Logger) (*Producer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("telemetry: context must not be nil")
	}
	if primary == nil {
		return nil, fmt.Errorf("telemetry: primary queue must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Producer{
		ch:        make(chan *LogRecord, channelBuffer),
		done:      make(chan struct{}),
		primary:   primary,
		secondary: secondary,
		baseCtx:   ctx,
		log:       log,
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Emit hands a record to the dispatcher. Never blocks.
func (p *Producer) Emit(rec *LogRecord) {
	select {
	case p.ch <- rec:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Dropped returns the number of records lost to a full channel.
func (p *Producer) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Close drains buffered records and stops the dispatcher.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Producer) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-p.ch:
			p.dispatch(rec)

		case <-ticker.C:
			// Keeps the select responsive to baseCtx cancellation between
			// records.
			if p.baseCtx.Err() != nil {
				p.drain()
				return
			}

		case <-p.done:
			p.drain()
			return
		}
	}
}

// drain flushes everything buffered at close time, then returns.
func (p *Producer) drain() {
	for {
		select {
		case rec := <-p.ch:
			p.dispatch(rec)
		default:
			return
		}
	}
}

func (p *Producer) dispatch(rec *LogRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.baseCtx), 5*time.Second)
	defer cancel()

	if err := p.primary.Enqueue(ctx, rec); err != nil {
		p.log.ErrorContext(ctx, "telemetry_primary_enqueue_error",
			slog.String("request_id", rec.RequestID.String()),
			slog.String("error", err.Error()),
		)
	}

	if p.secondary == nil {
		return
	}
	if err := p.secondary.Enqueue(ctx, rec); err != nil {
		p.log.WarnContext(ctx, "telemetry_secondary_enqueue_error",
			slog.String("request_id", rec.RequestID.String()),
			slog.String("error", err.Error()),
		)
	}
}
