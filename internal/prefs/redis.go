package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for preference hashes. Each profile
// owns one hash: roomchat:prefs:<profile>.
const KeyPrefix = "roomchat:prefs:"

// RedisStore keeps values as fields of a single Redis hash, so several
// client processes sharing a profile see each other's writes.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore wraps an existing client. Tests pass a client pointed at
// miniredis.
func NewRedisStore(client redis.Cmdable, profile string) *RedisStore {
	return &RedisStore{client: client, key: KeyPrefix + profile}
}

// DialRedisStore connects to addr and verifies the connection.
func DialRedisStore(addr, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("prefs: redis connection failed: %w", err)
	}
	return NewRedisStore(client, profile), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prefs: redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("prefs: redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, keys...).Err(); err != nil {
		return fmt.Errorf("prefs: redis hdel: %w", err)
	}
	return nil
}
