package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set and updated atomically by a Lua script. Every process sharing
// one venue API key counts against the same window, timed by the Redis
// server clock rather than each caller's.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

// Allow counts one call under key and reports whether it fits in the
// window. A refused call is not counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	allowed, _, err := rl.allow(ctx, key, limit, window)
	return allowed, err
}

// RetryAfter is Allow that also reports how long until the oldest call
// leaves the window when the call is refused.
func (rl *RateLimiter) RetryAfter(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	return rl.allow(ctx, key, limit, window)
}

func (rl *RateLimiter) allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return false, 0, fmt.Errorf("redis: rate limit %s: %w: limit and window must be positive", key, domain.ErrConfiguration)
	}

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 3 {
		return false, 0, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, time.Duration(result[2]) * time.Microsecond, nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
