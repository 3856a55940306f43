package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

func TestMemoryDedupStoreExpires(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryDedupStore(time.Hour, clk)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, store.Mark(ctx, "evt-1"))
	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, seen)

	clk.Advance(time.Hour)
	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestRedisDedupStore(t *testing.T) {
	addr := os.Getenv("MARKETPLACE_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("MARKETPLACE_REDIS_TEST_ADDR is not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisDedupStore(client, "order-service-test", time.Minute)
	eventID := uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), store.key(eventID)) })

	seen, err := store.Seen(ctx, eventID)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, store.Mark(ctx, eventID))
	seen, err = store.Seen(ctx, eventID)
	require.NoError(t, err)
	require.True(t, seen)

	ttl, err := client.TTL(ctx, store.key(eventID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Minute)
}
