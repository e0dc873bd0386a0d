package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store, for a multi-instance deployment
// where a content-addressed cache hit on one instance should be visible
// to every other. Grounded on internal/usage's RedisStore (same
// construct-with-Ping, fixed key prefix idiom); entries are JSON-encoded
// since Entry holds a nested omentypes.ChatResponse rather than a single
// scalar.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisStoreConfig configures a RedisStore's connection.
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies reachability with a Ping.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "omen:cache:"
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, for tests
// running against a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "omen:cache:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) fullKey(key string) string { return s.keyPrefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	if e.expired(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set writes entry with a Redis expiry matching its TTL, so an entry
// with no caller-set TTL (IsZero of TTL == 0) is written without
// expiration rather than failing the EXPIRE call.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.fullKey(key), raw, ttl).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
