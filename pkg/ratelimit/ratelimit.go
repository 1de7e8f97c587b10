// Package ratelimit implements a per-job-name token bucket, letting the
// Worker Loop throttle dispatch of a given job name independently of the
// global concurrency/backoff throttle in pkg/worker.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jqcore/jqcore/pkg/keys"
)

// allowScript is the teacher's token-bucket Lua script unchanged: refill
// by elapsed time at rate tokens/sec up to burst capacity, then consume
// one token if available.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if not tokens then
	tokens = burst
	last_refill = now
end

local delta = math.max(0, now - last_refill)
local new_tokens = math.min(burst, tokens + (delta * rate))

if new_tokens >= requested then
	new_tokens = new_tokens - requested
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 1
else
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 0
end
`)

// Limiter throttles dispatch per job name via a Redis-backed token bucket.
// A zero Limiter (no limits configured) allows everything.
type Limiter struct {
	rdb    *redis.Client
	names  keys.Namer
	limits map[string]Rate
}

// Rate is a job name's token-bucket configuration: rate tokens added per
// second, up to burst tokens held at once.
type Rate struct {
	Limit int
	Burst int
}

// New builds a Limiter over rdb using names for key derivation. limits
// maps job name to its configured Rate; a job name absent from limits is
// never throttled.
func New(rdb *redis.Client, names keys.Namer, limits map[string]Rate) *Limiter {
	return &Limiter{rdb: rdb, names: names, limits: limits}
}

// Allow reports whether a job of the given name may be dispatched now,
// consuming one token if so. Job names with no configured Rate are
// always allowed.
func (l *Limiter) Allow(ctx context.Context, jobName string) (bool, error) {
	rate, ok := l.limits[jobName]
	if !ok || rate.Limit <= 0 {
		return true, nil
	}

	result, err := allowScript.Run(ctx, l.rdb,
		[]string{l.names.RateLimit(jobName)},
		rate.Limit,
		rate.Burst,
		time.Now().Unix(),
		1,
	).Result()
	if err != nil {
		return false, err
	}

	return result.(int64) == 1, nil
}
