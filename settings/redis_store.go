/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// DefaultRedisHashKey is the Redis hash that holds settings as field/value pairs.
const DefaultRedisHashKey = "admission:settings"

// RedisStore keeps settings in a single Redis hash, so several service instances share the same thresholds.
type RedisStore struct {
	rdb     *redis.Client
	hashKey string
}

// RedisStoreOpts represents options for OpenRedisStore.
type RedisStoreOpts struct {
	Logger        log.FieldLogger
	ConnectPolicy retry.Policy
	// HashKey is DefaultRedisHashKey if empty.
	HashKey string
}

// NewRedisStore creates RedisStore on top of the client. The store takes ownership of the client.
func NewRedisStore(rdb *redis.Client, hashKey string) *RedisStore {
	hashKey = strings.Trim(hashKey, ":")
	if hashKey == "" {
		hashKey = DefaultRedisHashKey
	}
	return &RedisStore{rdb: rdb, hashKey: hashKey}
}

// OpenRedisStore connects to Redis by URL (redis://[user:password@]host:port/db) and waits until it responds to ping.
func OpenRedisStore(ctx context.Context, redisURL string, opts RedisStoreOpts) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse settings redis url: %w", err)
	}
	store := NewRedisStore(redis.NewClient(redisOpts), opts.HashKey)

	policy := opts.ConnectPolicy
	if policy == nil {
		policy = DefaultConnectPolicy
	}
	if err = retry.DoWithRetry(ctx, policy, nil, retry.LogNotify(opts.Logger, "settings redis is not available"),
		store.Ping); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping settings redis: %w", err)
	}
	return store, nil
}

// Get returns the raw value of the setting.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.HGet(ctx, s.hashKey, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", notFoundErr(key)
		}
		return "", fmt.Errorf("hget setting %q: %w", key, err)
	}
	return val, nil
}

// GetInt implements ratelimit.ConfigSource.
func (s *RedisStore) GetInt(ctx context.Context, key string) (int, error) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return parseIntSetting(key, val)
}

// List returns all settings ordered by key.
func (s *RedisStore) List(ctx context.Context) ([]Setting, error) {
	all, err := s.rdb.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall settings: %w", err)
	}
	res := make([]Setting, 0, len(all))
	for k, v := range all {
		res = append(res, Setting{Key: k, Value: v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

// Set creates or updates the setting.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errEmptyKey
	}
	if err := s.rdb.HSet(ctx, s.hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("hset setting %q: %w", key, err)
	}
	return nil
}

// SetInt is a shortcut for Set with an integer value.
func (s *RedisStore) SetInt(ctx context.Context, key string, value int) error {
	return s.Set(ctx, key, strconv.Itoa(value))
}

// Delete removes the setting.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return fmt.Errorf("hdel setting %q: %w", key, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
