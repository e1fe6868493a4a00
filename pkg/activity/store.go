package activity

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// KV is the shared store holding shard payloads, the round-robin cursor and
// backup slots. Get returns nil, nil for a missing key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type RedisKV struct {
	client redis.Cmdable
}

// NewRedisKV stores values without expiry; buffers must survive until drained.
func NewRedisKV(client redis.Cmdable) *RedisKV {
	return &RedisKV{client: client}
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Size reports the stored payload length, 0 for a missing key.
func (s *RedisKV) Size(ctx context.Context, key string) (int, error) {
	n, err := s.client.StrLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
