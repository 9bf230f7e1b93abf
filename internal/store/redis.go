package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/warden/internal/plugin/manifest"
)

// keyPrefix namespaces the per-identity hashes.
const keyPrefix = "warden:state:"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// ConnectTimeout bounds connection establishment and the initial ping.
	ConnectTimeout time.Duration
}

// RedisStore keeps one Redis hash per identity.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func hashKey(owner manifest.IdentityHash) string {
	return keyPrefix + string(owner)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, owner manifest.IdentityHash, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	raw, err := s.client.HGet(ctx, hashKey(owner), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, owner manifest.IdentityHash, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.HSet(ctx, hashKey(owner), key, data).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, owner manifest.IdentityHash, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, hashKey(owner), key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *RedisStore) Keys(ctx context.Context, owner manifest.IdentityHash) ([]string, error) {
	keys, err := s.client.HKeys(ctx, hashKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
