package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces checkpoint keys.
const RedisKeyPrefix = "harvest:checkpoint:"

// RedisStore keeps checkpoints as JSON strings in Redis, one key per
// resource and without expiry.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a checkpoint store with a Redis backend.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Key returns the Redis key of resource.
func (s *RedisStore) Key(resource string) string {
	return RedisKeyPrefix + Slug(resource)
}

// Load retrieves the checkpoint of resource.
func (s *RedisStore) Load(ctx context.Context, resource string) (*Checkpoint, error) {
	key := s.Key(resource)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		checkpointErrorsTotal.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	cp, err := decode(data, key)
	if err != nil {
		checkpointErrorsTotal.WithLabelValues("redis", "load").Inc()
		return nil, err
	}
	return cp, nil
}

// Save stores the checkpoint. A single SET replaces the value atomically.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		checkpointErrorsTotal.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.redis.Set(ctx, s.Key(cp.Resource), data, 0).Err(); err != nil {
		checkpointErrorsTotal.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	checkpointWritesTotal.WithLabelValues("redis").Inc()
	return nil
}

// Delete removes the checkpoint of resource.
func (s *RedisStore) Delete(ctx context.Context, resource string) error {
	if err := s.redis.Del(ctx, s.Key(resource)).Err(); err != nil {
		checkpointErrorsTotal.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
