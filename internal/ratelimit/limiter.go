package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces per-account send-rate ceilings with an atomic Redis
// token bucket. A plain GET → check → INCR pattern races under concurrent
// senders, so the check-and-take runs as a single Lua script.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
}

// Token bucket refilled at rate/60 tokens per second, burst capped at the
// per-minute rate. Returns 1 when a token was taken, 0 when empty.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local bucket = redis.call('get', key)
if not bucket then
    bucket = '{"tokens":' .. rate .. ',"last":' .. now .. '}'
end

local data = cjson.decode(bucket)
local elapsed = now - data.last
local tokens = math.min(rate, data.tokens + elapsed * (rate / 60))

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('setex', key, 120, cjson.encode({tokens=tokens, last=now}))
    return 1
end

redis.call('setex', key, 120, cjson.encode({tokens=tokens, last=now}))
return 0
`

// New creates a limiter with the token-bucket script pre-compiled.
func New(client *redis.Client) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// NewFromURL connects to Redis and returns a limiter, verifying the
// connection with a ping.
func NewFromURL(redisURL string) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client), nil
}

// Acquire tries to take one token for the account. Returns zero when a
// token was granted, otherwise the suggested wait before retrying.
// perMinute <= 0 means the account is uncapped.
func (l *Limiter) Acquire(ctx context.Context, accountID string, perMinute int) (time.Duration, error) {
	if perMinute <= 0 {
		return 0, nil
	}
	key := "ratelimit:account:" + accountID
	granted, err := l.script.Run(ctx, l.redis, []string{key}, perMinute, time.Now().Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("rate limit check: %w", err)
	}
	if granted == 1 {
		return 0, nil
	}
	return retryWait(perMinute), nil
}

// retryWait is the pause before re-asking for a token: one token interval,
// floored at 10ms so very high rates neither round down to a zero wait nor
// spin the caller.
func retryWait(perMinute int) time.Duration {
	ms := 60000 / perMinute
	if ms < 10 {
		ms = 10
	}
	return time.Duration(ms) * time.Millisecond
}

// Wait blocks until a token is granted or ctx is cancelled. A Redis error
// fails open: sending is never stalled on limiter infrastructure.
func (l *Limiter) Wait(ctx context.Context, accountID string, perMinute int) error {
	for {
		wait, err := l.Acquire(ctx, accountID, perMinute)
		if err != nil {
			return nil
		}
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close releases the underlying Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
