package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryLimiter is an in-process sliding window limiter for single-instance
// deployments and tests. Each scope's window is an ordered slice of
// admission timestamps touched under its shard lock, so a given scope's
// state is only ever mutated by one goroutine at a time.
//
// State is volatile: a restart resets every window. Use RedisLimiter when
// limits must survive restarts or span replicas.
type MemoryLimiter struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string][]int64
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{}
	for i := range l.shards {
		l.shards[i].windows = make(map[string][]int64)
	}
	return l
}

// Check runs one admission check for scope under policy p.
func (l *MemoryLimiter) Check(_ context.Context, scope string, p Policy) (Decision, error) {
	now := time.Now().UnixNano()
	window := p.Window().Nanoseconds()

	sh := &l.shards[shardFor(scope)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ts := sh.windows[scope]

	// Prune admissions that have left the window.
	cut := 0
	for cut < len(ts) && ts[cut] <= now-window {
		cut++
	}
	ts = ts[cut:]

	d := Decision{Limit: p.MaxCount}

	if len(ts) >= p.MaxCount {
		d.Limited = true
		d.Remaining = 0
		d.Reset = secondsUntilReset(ts[0], window, now)
		sh.windows[scope] = ts
		return d, nil
	}

	ts = append(ts, now)
	sh.windows[scope] = ts

	d.Remaining = p.MaxCount - len(ts)
	d.Reset = secondsUntilReset(ts[0], window, now)
	return d, nil
}

func shardFor(scope string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(scope))
	return h.Sum32() % memoryShards
}
