package window

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"affgate/internal/ratelimit/models"
	"affgate/pkg/platform/sentinel"
)

const redisKeyPrefix = "affgate:rl:"

// RedisWindowStore is a Redis-backed fixed-window counter for deployments
// where multiple instances must share rate limit state. Uses INCR with an
// expiry set on the first hit of each window, so the window boundary lives
// in Redis and all instances agree on it.
type RedisWindowStore struct {
	client *redis.Client
}

// NewRedisWindowStore constructs a Redis-backed window store.
func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

// Take increments the window counter and checks the limit. The INCR and
// EXPIRE run in a pipeline; a counter that somehow lost its TTL is given a
// fresh one so no key can throttle forever.
func (s *RedisWindowStore) Take(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	rkey := redisKeyPrefix + key

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, rkey)
	ttl := pipe.TTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis window take: %w (%w)", err, sentinel.ErrUnavailable)
	}

	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		if err := s.client.Expire(ctx, rkey, window).Err(); err != nil {
			return nil, fmt.Errorf("redis window expire: %w (%w)", err, sentinel.ErrUnavailable)
		}
		remaining = window
	}

	now := time.Now()
	resetAt := now.Add(remaining)

	if count > int64(limit) {
		return &models.Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfterSeconds(now, resetAt),
		}, nil
	}

	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the counter for a key.
func (s *RedisWindowStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}
