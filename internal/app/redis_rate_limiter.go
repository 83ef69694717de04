package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted hit, scored by
// its arrival time in milliseconds. Refused hits are not recorded.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member,
// ARGV[5] newest score that has left the window
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[5])
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return {1, count + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {0, count, wait}
`)

// RateLimitPolicy caps hits per subject within a sliding window. Each route
// family carries its own policy under its own scope.
type RateLimitPolicy struct {
	Scope  string
	Limit  int
	Window time.Duration
}

// Enabled reports whether the policy limits anything.
func (p RateLimitPolicy) Enabled() bool {
	return p.Limit > 0 && p.Window > 0 && strings.TrimSpace(p.Scope) != ""
}

// RateLimitDecision is the outcome of one Allow call.
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Used       int
	RetryAfter time.Duration
}

// Remaining returns how many hits the subject has left in the window.
func (d RateLimitDecision) Remaining() int {
	if d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// RedisRateLimiter implements a distributed sliding-window limiter.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "thrifty"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":rate_limit",
		now:    time.Now,
	}
}

// Allow records one hit for subject under policy if the window has room.
// A nil limiter, a disabled policy or a blank subject always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, policy RateLimitPolicy, subject string) (RateLimitDecision, error) {
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || !policy.Enabled() || subject == "" {
		return RateLimitDecision{Allowed: true, Limit: policy.Limit}, nil
	}

	windowMs := policy.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	nowMs := r.now().UnixMilli()

	key := fmt.Sprintf("%s:%s:%s", r.prefix, strings.TrimSpace(policy.Scope), subject)
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key}, nowMs, windowMs, policy.Limit, uuid.NewString(), nowMs-windowMs).Result()
	if err != nil {
		return RateLimitDecision{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	var fields [3]int64
	for i, value := range values {
		n, ok := value.(int64)
		if !ok {
			return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter field %d type: %T", i, value)
		}
		fields[i] = n
	}

	decision := RateLimitDecision{
		Allowed: fields[0] == 1,
		Limit:   policy.Limit,
		Used:    int(fields[1]),
	}
	if !decision.Allowed {
		wait := fields[2]
		if wait < 1 {
			wait = 1
		}
		decision.RetryAfter = time.Duration(wait) * time.Millisecond
	}
	return decision, nil
}
