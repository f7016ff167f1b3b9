package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// MemoryIdempotencyStore keeps idempotency outcomes in process memory. It is
// used when no redis address is configured.
type MemoryIdempotencyStore struct {
	cache *c.Cache
}

// NewMemoryIdempotencyStore creates a store whose entries live for ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{cache: c.New(ttl, 2*ttl)}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := s.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

// Put keeps the first value stored for key.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, value []byte) error {
	// Add fails when the key exists, which is the behaviour we want
	_ = s.cache.Add(key, value, c.DefaultExpiration)
	return nil
}

// RedisIdempotencyStore shares idempotency outcomes across replicas.
type RedisIdempotencyStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisIdempotencyStore creates a store under namespace.
func NewRedisIdempotencyStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, namespace: namespace, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.namespace, k)
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

// Put keeps the first value stored for key.
func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.SetNX(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}
