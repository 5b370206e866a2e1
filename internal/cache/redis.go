package cache

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RedisStore adapts a Redis client to the Store interface.
type RedisStore struct {
	client *redis.Client
	tracer trace.Tracer
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, tracer trace.Tracer) *RedisStore {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("anna.internal.cache.redis")
	}
	return &RedisStore{client: client, tracer: tracer}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "cache.redis_get")
	defer span.End()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("cache: redis get %q: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := s.tracer.Start(ctx, "cache.redis_set")
	defer span.End()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache: redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "cache.redis_del")
	defer span.End()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache: redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}
