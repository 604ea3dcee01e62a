package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds total shutdown time. Correctness favors a
// bounded exit over a guaranteed full drain: unpersisted messages stay
// pending in the queue and are redelivered after restart.
const DefaultShutdownTimeout = 60 * time.Second

type shutdownHandler struct {
	name string
	fn   func(ctx context.Context) error
}

// ShutdownManager runs registered handlers concurrently on shutdown and
// races them against a hard timeout. A hung handler is logged and abandoned,
// never waited on indefinitely.
type ShutdownManager struct {
	mu       sync.Mutex
	handlers []shutdownHandler
	timeout  time.Duration
	log      *slog.Logger
}

// NewShutdownManager creates a manager with the given hard timeout; zero
// means DefaultShutdownTimeout.
func NewShutdownManager(timeout time.Duration, log *slog.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &ShutdownManager{timeout: timeout, log: log}
}

// Register adds a named handler. Handlers run concurrently, so they must not
// depend on each other's completion order.
func (m *ShutdownManager) Register(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.handlers = append(m.handlers, shutdownHandler{name: name, fn: fn})
	m.mu.Unlock()
}

// Shutdown invokes every handler concurrently and returns once all have
// finished or the timeout fires, whichever is first. Returns an error naming
// the handlers that did not finish in time.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handlers := make([]shutdownHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(handlers))

	for _, h := range handlers {
		go func(h shutdownHandler) {
			results <- result{name: h.name, err: h.fn(ctx)}
		}(h)
	}

	pending := make(map[string]struct{}, len(handlers))
	for _, h := range handlers {
		pending[h.name] = struct{}{}
	}

	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.name)
			if r.err != nil {
				m.log.ErrorContext(ctx, "shutdown_handler_error",
					slog.String("handler", r.name),
					slog.String("error", r.err.Error()),
				)
			} else {
				m.log.InfoContext(ctx, "shutdown_handler_done",
					slog.String("handler", r.name),
				)
			}

		case <-ctx.Done():
			for name := range pending {
				m.log.ErrorContext(ctx, "shutdown_handler_timeout",
					slog.String("handler", name),
					slog.Duration("timeout", m.timeout),
				)
			}
			return fmt.Errorf("shutdown: %d handler(s) exceeded %s", len(pending), m.timeout)
		}
	}

	return nil
}
