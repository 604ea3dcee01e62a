package ratelimit

import "context"

// Limiter is one admission check against a scope's sliding window. Both
// backends return a Decision even when limited so callers can emit the
// rate-limit response headers in every case.
type Limiter interface {
	Check(ctx context.Context, scope string, p Policy) (Decision, error)
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
