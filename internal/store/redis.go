package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendsKey = "proxy:backends" // list of JSON BackendSpec, in pool order
	usersKey    = "proxy:users"    // hash username → key

	defaultQueryTimeout = 5 * time.Second
)

// RedisStore reads backends and users written by the admin service.
//
// Backends live in a Redis list so the admin-defined ordering survives — the
// head of the list is the default backend. Users live in a hash.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client in a RedisStore.
// The caller owns the client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// ListBackends returns the pool in list order. Entries that fail to decode
// return an error — a half-readable pool must not silently shrink.
func (s *RedisStore) ListBackends(ctx context.Context) ([]BackendSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.LRange(ctx, backendsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: LRANGE %s: %w", backendsKey, err)
	}

	specs := make([]BackendSpec, 0, len(raw))
	for _, item := range raw {
		var spec BackendSpec
		if err := json.Unmarshal([]byte(item), &spec); err != nil {
			return nil, fmt.Errorf("store: decode backend entry: %w", err)
		}
		if spec.Name == "" {
			spec.Name = spec.URL
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// ListUsers returns the full username → key hash.
func (s *RedisStore) ListUsers(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	users, err := s.client.HGetAll(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: HGETALL %s: %w", usersKey, err)
	}

	return users, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
