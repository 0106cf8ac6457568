package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kidoz/dotcelery/internal/message"
)

const keyPrefix = "dotcelery:revoked:"

// RedisStore is a Redis-backed revocation store using a TTL per key,
// grounded on the teacher's EXPIRE-after-write idiom in
// internal/ratelimit and internal/store/redis.go.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed revocation store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Revoke(ctx context.Context, taskID string, terminate bool, expiry time.Duration, signal message.Signal) error {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	rec := message.RevocationRecord{
		TaskID:    taskID,
		ExpiresAt: time.Now().Add(expiry),
		Terminate: terminate,
		Signal:    signal,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("revocation: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+taskID, payload, expiry).Err(); err != nil {
		return fmt.Errorf("revocation: set: %w", err)
	}
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, taskID string) (*message.RevocationRecord, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+taskID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("revocation: get: %w", err)
	}
	var rec message.RevocationRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, fmt.Errorf("revocation: unmarshal record: %w", err)
	}
	return &rec, true, nil
}

func (s *RedisStore) Close() error { return nil }
