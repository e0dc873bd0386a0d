package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// windowTTL bounds how long a bucket key survives once written, so a
// forgotten principal's counters don't accumulate in Redis forever. Set
// generously past the window itself to tolerate clock skew across epochs.
var windowTTL = map[BudgetWindow]time.Duration{
	WindowDay:   48 * time.Hour,
	WindowWeek:  14 * 24 * time.Hour,
	WindowMonth: 62 * 24 * time.Hour,
}

// RedisStore is a Redis-backed CounterStore: construct-with-Ping, a fixed
// key prefix, and a
// pipeline for the multi-key write RecordUsage needs.
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
		prefix = "omen:usage:"
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, for tests
// running against a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "omen:usage:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) bucketKey(principalID string, w BudgetWindow, t time.Time) string {
	return s.keyPrefix + string(w) + ":" + principalID + ":" + epochKey(w, t)
}

// RecordUsage increments each calendar window's bucket by usage.CostUSD in a
// single pipeline, refreshing the key's expiry on every write so stale
// principals' keys age out.
func (s *RedisStore) RecordUsage(ctx context.Context, principalID string, usage omentypes.Usage, t time.Time) error {
	pipe := s.client.Pipeline()
	cmds := make(map[BudgetWindow]*redis.FloatCmd, 3)
	for _, w := range []BudgetWindow{WindowDay, WindowWeek, WindowMonth} {
		key := s.bucketKey(principalID, w, t)
		cmds[w] = pipe.IncrByFloat(ctx, key, usage.CostUSD)
		pipe.Expire(ctx, key, windowTTL[w])
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SpentUSD reads the current bucket total for principalID under window w.
func (s *RedisStore) SpentUSD(ctx context.Context, principalID string, w BudgetWindow, t time.Time) (float64, error) {
	v, err := s.client.Get(ctx, s.bucketKey(principalID, w, t)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) Close() error { return s.client.Close() }
