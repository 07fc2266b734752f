package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrThrottled is returned when the provider budget is exceeded
	ErrThrottled = errors.New("provider throttled")
)

// ThrottleResult contains the result of a throttle check
type ThrottleResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	RetryIn   time.Duration
}

// Throttle enforces per-provider request budgets using a sliding window, plus
// hard blocks driven by upstream 429 Retry-After responses.
type Throttle struct {
	client    *Client
	keyPrefix string
}

// NewThrottle creates a new Throttle
func NewThrottle(client *Client, keyPrefix string) *Throttle {
	if keyPrefix == "" {
		keyPrefix = "throttle:"
	}
	return &Throttle{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		// Redis Lua returns numbers as strings sometimes (e.g., zrange WITHSCORES)
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			// Try float parse then cast
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return 0, err
			}
			return int64(f), nil
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func (t *Throttle) blockKey(key string) string {
	return t.keyPrefix + key + ":block"
}

// BlockFor blocks a throttle key for the given duration.
// Used when the provider tells us to back off (429 Retry-After).
func (t *Throttle) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return t.client.Set(ctx, t.blockKey(key), "1", d)
}

// IsBlocked returns whether the key is currently blocked and, if so, for how long.
func (t *Throttle) IsBlocked(ctx context.Context, key string) (bool, time.Duration, error) {
	exists, err := t.client.Exists(ctx, t.blockKey(key))
	if err != nil {
		return false, 0, err
	}
	if !exists {
		return false, 0, nil
	}
	ttl, err := t.client.TTL(ctx, t.blockKey(key))
	if err != nil {
		return true, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return true, ttl, nil
}

// Allow checks if a request is allowed under the provider budget.
// Uses a sliding window algorithm.
func (t *Throttle) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ThrottleResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	throttleKey := t.keyPrefix + key

	// If the key is dynamically blocked (Retry-After), fail closed for the duration.
	if blocked, ttl, err := t.IsBlocked(ctx, key); err == nil && blocked {
		return &ThrottleResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   now.Add(ttl),
			RetryIn:   ttl,
		}, nil
	}

	// Lua script for atomic check-and-record
	script := goredis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		redis.call("zremrangebyscore", key, "-inf", window_start)

		local current = redis.call("zcard", key)

		if current < limit then
			redis.call("zadd", key, now, now .. "-" .. math.random())
			redis.call("pexpire", key, window_ms)
			return {1, limit - current - 1}
		else
			local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
			if #oldest > 0 then
				return {0, 0, oldest[2]}
			end
			return {0, 0, 0}
		end
	`)

	result, err := script.Run(ctx, t.client.rdb, []string{throttleKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		limit,
		window.Milliseconds(),
	).Slice()

	if err != nil {
		return nil, err
	}

	allowedFlag, err := toInt64(result[0])
	if err != nil {
		return nil, err
	}
	remaining, err := toInt64(result[1])
	if err != nil {
		return nil, err
	}
	allowed := allowedFlag == 1

	res := &ThrottleResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}

	if !allowed && len(result) > 2 {
		oldestMs, err := toInt64(result[2])
		if err != nil {
			return nil, err
		}
		if oldestMs > 0 {
			oldestTime := time.UnixMilli(oldestMs)
			res.RetryIn = oldestTime.Add(window).Sub(now)
		}
	}

	return res, nil
}

// Reset resets the throttle window for a key
func (t *Throttle) Reset(ctx context.Context, key string) error {
	return t.client.rdb.Del(ctx, t.keyPrefix+key).Err()
}
