package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared fixed-window limiter. The increment is a single INCR,
// so concurrent requests across instances cannot read-then-write past the
// limit; the window TTL is attached on the first hit only.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Check(ctx context.Context, key string, window time.Duration, limit int) (Result, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now()
	resetAt := now.Add(window)
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else {
		ttl, err := r.client.PTTL(ctx, key).Result()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ttl > 0 {
			resetAt = now.Add(ttl)
		} else {
			// Counter lost its TTL (e.g. expire failed mid-crash);
			// reattach so the key cannot accumulate forever.
			_ = r.client.Expire(ctx, key, window).Err()
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
