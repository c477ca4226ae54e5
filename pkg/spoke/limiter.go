package spoke

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter admits inbound spoke-authenticated calls against the
// spoke's configured rate limit.
type Limiter interface {
	Allow(ctx context.Context, spokeID string, limit RateLimit) (bool, error)
}

// tokenBucketScript runs the bucket refill and consume atomically in
// Redis, so every hub replica shares one budget per spoke.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (burst)
// ARGV[3] = current unix time (float seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local fill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * fill)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter shares a token bucket per spoke across hub replicas.
type RedisLimiter struct {
	client redis.UniversalClient
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, spokeID string, limit RateLimit) (bool, error) {
	if limit.RequestsPerMinute <= 0 {
		return true, nil
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	fill := float64(limit.RequestsPerMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"rate_limit:spoke:" + spokeID}, fill, burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", spokeID, err)
	}
	return res == 1, nil
}

// LocalLimiter is the in-process fallback used when Redis is not
// configured. Budgets are per replica, not shared.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, spokeID string, limit RateLimit) (bool, error) {
	if limit.RequestsPerMinute <= 0 {
		return true, nil
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	lim, ok := l.limiters[spokeID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit.RequestsPerMinute)/60.0), burst)
		l.limiters[spokeID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}
