package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"offramp/internal/clock"
)

const redisNamespace = "offramp:idem:"

// RedisStore keeps records as JSON values with a native TTL.
type RedisStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

func NewRedisStore(client redis.UniversalClient, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &RedisStore{client: client, clock: clk}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	now := s.clock.Now()
	rec := Record{Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisNamespace+key, blob, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	existing, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, fingerprint, ttl)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, record Record) error {
	held, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		return ErrNotReserved
	}
	if err != nil {
		return err
	}
	record.Fingerprint = held.Fingerprint
	record.CreatedAt = held.CreatedAt
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = held.ExpiresAt
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	ttl := record.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisNamespace+key, blob, ttl).Err(); err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	held, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if held.Completed() {
		return nil
	}
	if err := s.client.Del(ctx, redisNamespace+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, key string) (*Record, error) {
	blob, err := s.client.Get(ctx, redisNamespace+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
