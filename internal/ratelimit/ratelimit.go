// Package ratelimit is the login brute-force throttle (ambient hardening
// around C8): a Redis-backed token bucket scoped to one username+IP pair,
// since credential login runs before any tenant or actor is known and so
// cannot be scoped by company.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript atomically refills and decrements a token bucket stored as
// a Redis hash, returning whether the call is allowed and the remaining
// tokens. Single round trip, no lost-update race between concurrent
// requests against the same key.
var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + (intervals * refill_tokens))
		last_refill = last_refill + (intervals * interval_ms)
	end

	local allowed = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens }
`)

// Config tunes the bucket. Capacity tokens are available up front;
// RefillTokens are added back every RefillInterval.
type Config struct {
	Capacity       int64
	RefillTokens   int64
	RefillInterval time.Duration
	TTL            time.Duration
}

// DefaultConfig matches spec.md's login-throttle intent: 5 attempts,
// refilling one every 30s, bucket forgotten after 10 minutes idle.
func DefaultConfig() Config {
	return Config{
		Capacity:       5,
		RefillTokens:   1,
		RefillInterval: 30 * time.Second,
		TTL:            10 * time.Minute,
	}
}

// Limiter gates login attempts by username+IP. A nil *redis.Client (Redis
// unreachable or not configured) makes every call Allow -- brute-force
// throttling degrades open rather than locking operators out of their own
// login path.
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
}

func New(rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, prefix: "ratelimit:login"}
}

// Allow reports whether another login attempt for the given username+IP
// pair may proceed, consuming a token if so.
func (l *Limiter) Allow(ctx context.Context, username, remoteIP string) (bool, error) {
	if l.rdb == nil {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, username, remoteIP)
	now := time.Now()
	args := []any{
		now.UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		int64(l.cfg.TTL / time.Second),
	}

	vals, err := bucketScript.Run(ctx, l.rdb, []string{key}, args...).Result()
	if err != nil {
		return true, nil
	}

	arr, ok := vals.([]any)
	if !ok || len(arr) != 2 {
		return true, nil
	}
	allowed, _ := arr[0].(int64)
	return allowed == 1, nil
}
