package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"affgate/pkg/platform/sentinel"
)

const redisKeyPrefix = "affgate:idem:"

// redisEntry is the wire form stored in Redis. The TTL lives on the Redis key
// itself, so no expiry field is persisted.
type redisEntry struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// RedisStore shares idempotency entries across instances. Expiry is delegated
// to Redis key TTLs.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the live entry for a key; a missing or expired Redis key is a miss.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis idempotency get: %w (%w)", err, sentinel.ErrUnavailable)
	}

	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		// A corrupt entry is unusable; treat as a miss rather than failing
		// the request.
		return Entry{}, false, nil
	}

	return Entry{Key: key, StatusCode: stored.StatusCode, Body: stored.Body}, true, nil
}

// Put stores a response under the key with a Redis-side TTL.
func (s *RedisStore) Put(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	raw, err := json.Marshal(redisEntry{StatusCode: statusCode, Body: body})
	if err != nil {
		return fmt.Errorf("redis idempotency marshal: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis idempotency put: %w (%w)", err, sentinel.ErrUnavailable)
	}
	return nil
}
