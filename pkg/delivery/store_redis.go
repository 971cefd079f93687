package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

const redisKeyPrefix = "osprey:idem:"

// RedisStore shares idempotency records between nodes. The record's
// expiry becomes the Redis TTL, so the server prunes for us.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// OpenRedis connects and verifies the server is reachable.
func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, record *contracts.IdempotencyRecord) error {
	ttl := record.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	// NX preserves first-write-wins inside the validity window.
	if err := s.client.SetNX(ctx, redisKeyPrefix+record.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
