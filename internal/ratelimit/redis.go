package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments the counter and starts its expiry on the first hit.
// It returns the count and the remaining TTL in milliseconds.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {n, ttl}
`)

// RedisLimiter shares counters between instances.
type RedisLimiter struct {
	rdb    redis.Scripter
	rules  map[Class]Rule
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, rules map[Class]Rule) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rules: rules, prefix: "ratelimit:", now: time.Now}
}

func (r *RedisLimiter) Allow(ctx context.Context, class Class, key string) (Result, error) {
	rule, ok := r.rules[class]
	if !ok || rule.Limit <= 0 {
		return unlimited(), nil
	}
	k := r.prefix + string(class) + ":" + key
	vals, err := incrWindow.Run(ctx, r.rdb, []string{k}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", k, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected reply %v", k, vals)
	}

	now := r.now()
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rule.Window
	}
	return result(rule, int(vals[0]), now.Add(ttl), now), nil
}
