package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, "omen:cache:test:")
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	entry := Entry{
		Response:  omentypes.ChatResponse{Content: "hello from cache", Model: "openai/gpt-4o"},
		TTL:       time.Minute,
		CreatedAt: time.Now(),
	}
	if err := store.Set(ctx, "key-1", entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := store.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Response.Content != entry.Response.Content {
		t.Errorf("content = %q, want %q", got.Response.Content, entry.Response.Content)
	}
	if got.Response.Model != "openai/gpt-4o" {
		t.Errorf("model = %s, want openai/gpt-4o", got.Response.Model)
	}
}

func TestRedisStore_Miss(t *testing.T) {
	store := newTestRedisStore(t)
	_, ok, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected miss for unset key")
	}
}

func TestRedisStore_ExpiredEntryTreatedAsMiss(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	entry := Entry{
		Response:  omentypes.ChatResponse{Content: "stale"},
		TTL:       time.Millisecond,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := store.Set(ctx, "stale-key", entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, ok, err := store.Get(ctx, "stale-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected expired entry to be treated as a miss")
	}
}
