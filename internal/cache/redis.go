package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "audio:cache:"

// RedisTier stores entries in Redis with JSON serialization.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTier returns a tier that namespaces keys under prefix.
func NewRedisTier(client redis.UniversalClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTier{client: client, prefix: prefix}
}

func (r *RedisTier) Name() string { return "redis" }

func (r *RedisTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis get: %v", ErrTierUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt value is unusable; drop it and report a miss.
		_ = r.client.Del(ctx, r.prefix+key).Err()
		return nil, false, nil
	}
	return &e, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ttl := time.Duration(e.TTL) * time.Millisecond
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrTierUnavailable, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrTierUnavailable, err)
	}
	return nil
}

// Clear removes every key under the tier's prefix.
func (r *RedisTier) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("%w: redis scan: %v", ErrTierUnavailable, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: redis del: %v", ErrTierUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks connectivity.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
