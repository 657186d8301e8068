package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter is a fixed-window per-user counter shared by every instance.
// It backs the ceiling of the in-process rate limiter.
type RateLimiter struct {
	client    *Client
	limit     int
	window    time.Duration
	keyPrefix string
}

// Usage is a user's position in the current shared window
type Usage struct {
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"resetIn"`
}

// NewRateLimiter creates a shared limiter allowing limit notifications per window
func NewRateLimiter(client *Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: "rate_limit:",
	}
}

func (rl *RateLimiter) key(userID string) string {
	return rl.keyPrefix + userID
}

// IsAllowed reports whether userID still has room in the current window.
// It does not count anything; Consume does.
func (rl *RateLimiter) IsAllowed(ctx context.Context, userID string) (bool, error) {
	count, err := rl.client.client.Get(ctx, rl.key(userID)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis get error: %w", err)
	}
	return count < rl.limit, nil
}

// Consume counts one delivered notification for userID
func (rl *RateLimiter) Consume(ctx context.Context, userID string) error {
	key := rl.key(userID)

	pipe := rl.client.client.TxPipeline()
	pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline error: %w", err)
	}

	// a key without expiry starts a new window
	if ttl.Val() < 0 {
		if err := rl.client.client.Expire(ctx, key, rl.window).Err(); err != nil {
			return fmt.Errorf("redis expire error: %w", err)
		}
	}
	return nil
}

// Usage reports the current count and when the window resets
func (rl *RateLimiter) Usage(ctx context.Context, userID string) (Usage, error) {
	key := rl.key(userID)

	pipe := rl.client.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("redis get error: %w", err)
	}

	count, err := get.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("redis get error: %w", err)
	}

	u := Usage{Count: count, Limit: rl.limit, Remaining: rl.limit - count}
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if d := ttl.Val(); d > 0 {
		u.ResetIn = d
	}
	return u, nil
}

// Reset clears a user's shared counter
func (rl *RateLimiter) Reset(ctx context.Context, userID string) error {
	if err := rl.client.client.Del(ctx, rl.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}
