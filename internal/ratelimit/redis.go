package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter over a sorted set of admission timestamps.
// KEYS[1] = Redis key for the scope
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max admissions per window)
// Returns: {allowed (1/0), count after the check, oldest counted timestamp}.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Prune admissions that have left the window.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			return {0, count, tonumber(oldest[2])}
		end

		-- Record this admission with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count + 1, now}
`)

const keyPrefix = "ratelimit:org:"

// RedisLimiter enforces sliding-window policies shared across gateway
// replicas. State for each scope lives in one sorted set, mutated only by
// the atomic script, so concurrent replicas never race on a window.
type RedisLimiter struct {
	rdb *redis.Client
}

// NewRedisLimiter wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// Check runs one admission check for scope under policy p. When Redis is
// unavailable the request is admitted (graceful degradation) with a full
// window reported; the error comes back alongside the admitting decision so
// the caller can log and count the degradation.
func (r *RedisLimiter) Check(ctx context.Context, scope string, p Policy) (Decision, error) {
	now := time.Now().UnixNano()
	window := p.Window().Nanoseconds()

	open := Decision{Limited: false, Limit: p.MaxCount, Remaining: p.MaxCount}

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + scope},
		now, window, p.MaxCount,
	).Int64Slice()
	if err != nil {
		return open, fmt.Errorf("ratelimit: check %s: %w", scope, err)
	}
	if len(res) != 3 {
		return open, fmt.Errorf("ratelimit: check %s: unexpected reply length %d", scope, len(res))
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]

	d := Decision{
		Limited:   !allowed,
		Limit:     p.MaxCount,
		Remaining: p.MaxCount - count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > 0 {
		d.Reset = secondsUntilReset(oldest, window, now)
	}

	return d, nil
}

// secondsUntilReset rounds up to whole seconds so a Retry-After of its value
// always lands after the oldest admission has expired.
func secondsUntilReset(oldest, window, now int64) int64 {
	ns := oldest + window - now
	if ns <= 0 {
		return 0
	}
	return (ns + int64(time.Second) - 1) / int64(time.Second)
}
