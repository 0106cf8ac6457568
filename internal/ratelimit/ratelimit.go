// Package ratelimit implements per-resource-key admission control
// (§4.6): sliding-window (default), fixed-window, and token-bucket
// algorithms. The token-bucket Lua script is adapted from the
// teacher's internal/ratelimit/ratelimit.go refill-then-consume idiom;
// sliding and fixed window are new Lua scripts following the same
// atomic-read-refill-write shape.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Algorithm selects the admission strategy for a Policy (§3, §4.6).
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// Policy describes a rate limit (§3). ResourceKey defaults to the task
// name when empty; keys are built including window+limit so changing a
// policy never cross-contaminates admission counts with the old one
// (§4.6).
type Policy struct {
	Limit       int
	Window      time.Duration
	Algorithm   Algorithm
	ResourceKey string
}

// ParseSpec parses a rate-limit spec string "<int>/<unit>" where unit
// is one of s, m, h, d (§6). Case-insensitive, whitespace-trimmed.
func ParseSpec(spec string) (Policy, error) {
	spec = strings.TrimSpace(spec)
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return Policy{}, fmt.Errorf("ratelimit: invalid spec %q: expected \"<int>/<unit>\"", spec)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return Policy{}, fmt.Errorf("ratelimit: invalid spec %q: count must be a positive integer", spec)
	}
	unit := strings.ToLower(strings.TrimSpace(parts[1]))
	var window time.Duration
	switch unit {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	case "d":
		window = 24 * time.Hour
	default:
		return Policy{}, fmt.Errorf("ratelimit: invalid spec %q: unknown unit %q", spec, unit)
	}
	return Policy{Limit: n, Window: window, Algorithm: AlgorithmSlidingWindow}, nil
}

// Lease is the outcome of a Limiter.Allow call (§4.6 try_acquire).
type Lease struct {
	Acquired   bool
	RetryAfter time.Duration
	ResetAt    time.Time
	Remaining  int
}

// resourceKeyFor composes the Redis key including window+limit so
// policy changes don't reuse stale counters (§4.6).
func resourceKeyFor(policy Policy, resourceKey string) string {
	key := resourceKey
	if policy.ResourceKey != "" {
		key = policy.ResourceKey
	}
	return fmt.Sprintf("dotcelery:ratelimit:%s:%s:%d:%d", policy.Algorithm, key, policy.Limit, int64(policy.Window/time.Millisecond))
}

// slidingWindowScript admits if the count of timestamps within the
// last `window` ms is below `limit`, trimming stale entries first.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retryAfter = window
if oldest[2] ~= nil then
	retryAfter = (tonumber(oldest[2]) + window) - now
end
return {0, 0, retryAfter}
`)

// fixedWindowScript buckets by floor(now/window) and admits while the
// bucket's counter is below limit.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('PEXPIRE', key, window)
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
	ttl = window
	redis.call('PEXPIRE', key, window)
end
if count <= limit then
	return {1, limit - count, ttl}
end
return {0, 0, ttl}
`)

// tokenBucketScript refills tokens at limit/window then conditionally
// consumes one. Adapted from the teacher's ratelimit.go.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local lastRefill = tonumber(data[2])
if tokens == nil then
	tokens = limit
	lastRefill = now
end

local elapsed = now - lastRefill
if elapsed > 0 then
	local refillRate = limit / window
	tokens = math.min(limit, tokens + elapsed * refillRate)
	lastRefill = now
end

if tokens >= 1 then
	tokens = tokens - 1
	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', lastRefill)
	redis.call('PEXPIRE', key, window * 2)
	return {1, math.floor(tokens), 0}
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', lastRefill)
redis.call('PEXPIRE', key, window * 2)
local retryAfter = (1 - tokens) * (window / limit)
return {0, 0, retryAfter}
`)

// Limiter is a Redis-backed Limiter implementing all three algorithms.
type Limiter struct {
	redis *redis.Client
}

// New creates a Redis-backed rate limiter.
func New(client *redis.Client) *Limiter {
	return &Limiter{redis: client}
}

// Allow attempts to admit one event under policy for resourceKey,
// implementing try_acquire (§4.6).
func (l *Limiter) Allow(ctx context.Context, resourceKey string, policy Policy) (Lease, error) {
	key := resourceKeyFor(policy, resourceKey)
	now := float64(time.Now().UnixMilli())
	windowMS := float64(policy.Window / time.Millisecond)

	var res []interface{}
	var err error
	switch policy.Algorithm {
	case AlgorithmFixedWindow:
		res, err = fixedWindowScript.Run(ctx, l.redis, []string{key}, windowMS, policy.Limit).Slice()
	case AlgorithmTokenBucket:
		res, err = tokenBucketScript.Run(ctx, l.redis, []string{key}, now, windowMS, policy.Limit).Slice()
	default:
		member := strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.Itoa(int(now))
		res, err = slidingWindowScript.Run(ctx, l.redis, []string{key}, now, windowMS, policy.Limit, member).Slice()
	}
	if err != nil {
		return Lease{}, fmt.Errorf("ratelimit: allow: %w", err)
	}
	acquired := toInt64(res[0]) == 1
	remaining := int(toInt64(res[1]))
	retryAfterMS := toInt64(res[2])
	lease := Lease{
		Acquired:   acquired,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfterMS) * time.Millisecond,
		ResetAt:    time.Now().Add(time.Duration(retryAfterMS) * time.Millisecond),
	}
	return lease, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
