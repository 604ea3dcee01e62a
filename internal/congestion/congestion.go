// Package congestion watches queue depth and flips a shared alert flag with
// hysteresis: raised when depth crosses the high-water mark, cleared only
// once it falls below the low-water mark, so a depth oscillating around one
// threshold does not flap the alert.
package congestion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// DepthFunc reports the approximate backlog of one queue.
type DepthFunc func(ctx context.Context) (int64, error)

// Notifier receives alert transitions, e.g. a chat-webhook client. nil
// disables notifications.
type Notifier interface {
	Notify(ctx context.Context, alerted bool, depth int64)
}

// Watcher polls queue depths and maintains the congestion flag.
type Watcher struct {
	depths    map[string]DepthFunc
	highWater int64
	lowWater  int64
	notifier  Notifier

	alerted   atomic.Bool
	lastDepth atomic.Int64

	baseCtx context.Context
	log     *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a Watcher over the named queues and starts probing.
// highWater must exceed lowWater; the first probe runs synchronously so the
// flag is meaningful immediately.
func NewWatcher(ctx context.Context, depths map[string]DepthFunc, lowWater, highWater int64, n Notifier, log *slog.Logger) *Watcher {
	if ctx == nil {
		panic("congestion: context must not be nil")
	}
	if highWater <= lowWater {
		panic("congestion: highWater must exceed lowWater")
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Watcher{
		depths:    depths,
		highWater: highWater,
		lowWater:  lowWater,
		notifier:  n,
		baseCtx:   ctx,
		log:       log,
		done:      make(chan struct{}),
	}

	w.probe()

	w.wg.Add(1)
	go w.run()

	return w
}

// Alerted reports whether the congestion flag is currently raised. Served to
// the UI as the "alert banner" state.
func (w *Watcher) Alerted() bool {
	return w.alerted.Load()
}

// Depth returns the total backlog seen by the last probe.
func (w *Watcher) Depth() int64 {
	return w.lastDepth.Load()
}

// Close stops the probe goroutine.
func (w *Watcher) Close() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.probe()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) probe() {
	ctx, cancel := context.WithTimeout(w.baseCtx, probeTimeout)
	defer cancel()

	var total int64
	for name, depth := range w.depths {
		n, err := depth(ctx)
		if err != nil {
			// A queue that cannot be probed contributes its last known
			// share of nothing; alerting on outage is the uptime monitor's
			// job, not this watcher's.
			w.log.WarnContext(ctx, "congestion_probe_error",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}
	w.lastDepth.Store(total)

	w.evaluate(ctx, total)
}

// evaluate applies the hysteresis band to the latest total.
func (w *Watcher) evaluate(ctx context.Context, depth int64) {
	switch {
	case !w.alerted.Load() && depth >= w.highWater:
		w.alerted.Store(true)
		w.log.WarnContext(ctx, "congestion_alert_raised",
			slog.Int64("depth", depth),
			slog.Int64("high_water", w.highWater),
		)
		if w.notifier != nil {
			w.notifier.Notify(ctx, true, depth)
		}

	case w.alerted.Load() && depth < w.lowWater:
		w.alerted.Store(false)
		w.log.InfoContext(ctx, "congestion_alert_cleared",
			slog.Int64("depth", depth),
			slog.Int64("low_water", w.lowWater),
		)
		if w.notifier != nil {
			w.notifier.Notify(ctx, false, depth)
		}
	}
}
