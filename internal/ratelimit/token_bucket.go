package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one token request.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after the request.
	Remaining int64
	// RetryAfter is how long until the next token is available. Zero when allowed or when the
	// bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket is a token bucket kept in Redis so that every worker shares the same budget per
// key. Scrape sources and API clients each get their own bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Idle buckets expire after
// ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes one token from key if one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected reply from bucket script: %T", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	waitMs, _ := arr[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Allow consumes a token for key and reports the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	d, err := b.Take(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return d.Allowed, float64(d.Remaining), nil
}

// AllowSource consumes a token from the bucket of a scrape source.
func (b *TokenBucket) AllowSource(ctx context.Context, source string) (bool, error) {
	d, err := b.Take(ctx, SourceKey(source))
	return d.Allowed, err
}

// SourceKey is the Redis key of the bucket guarding source.
func SourceKey(source string) string {
	return "rl:source:" + strings.ToLower(strings.TrimSpace(source))
}

// takeScript returns {allowed, floor(tokens), wait_ms}. Fractional tokens are stored as strings
// because Lua numbers are truncated when returned to the client.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens), wait}
`)
