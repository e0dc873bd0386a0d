package usage

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
	return NewRedisStoreFromClient(client, "omen:usage:test:")
}

func TestRedisStore_RecordAndRead(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	if err := store.RecordUsage(ctx, "principal-a", omentypes.Usage{CostUSD: 1.50}, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := store.RecordUsage(ctx, "principal-a", omentypes.Usage{CostUSD: 0.25}, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	for _, w := range []BudgetWindow{WindowDay, WindowWeek, WindowMonth} {
		got, err := store.SpentUSD(ctx, "principal-a", w, now)
		if err != nil {
			t.Fatalf("SpentUSD(%s): %v", w, err)
		}
		if got != 1.75 {
			t.Errorf("SpentUSD(%s) = %v, want 1.75", w, got)
		}
	}
}

func TestRedisStore_UnknownPrincipalReadsZero(t *testing.T) {
	store := newTestRedisStore(t)
	got, err := store.SpentUSD(context.Background(), "nobody", WindowDay, time.Now())
	if err != nil {
		t.Fatalf("SpentUSD: %v", err)
	}
	if got != 0 {
		t.Errorf("SpentUSD for unknown principal = %v, want 0", got)
	}
}

func TestRedisStore_SeparatesPrincipalsAndWindows(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.RecordUsage(ctx, "principal-a", omentypes.Usage{CostUSD: 5}, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := store.RecordUsage(ctx, "principal-b", omentypes.Usage{CostUSD: 9}, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	gotA, _ := store.SpentUSD(ctx, "principal-a", WindowDay, now)
	gotB, _ := store.SpentUSD(ctx, "principal-b", WindowDay, now)
	if gotA != 5 {
		t.Errorf("principal-a spent = %v, want 5", gotA)
	}
	if gotB != 9 {
		t.Errorf("principal-b spent = %v, want 9", gotB)
	}
}
