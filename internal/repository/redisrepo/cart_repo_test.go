package redisrepo

import (
	"context"
	"fmt"
	"os"
	"testing"

	radix "github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/require"
)

// 需要本地 Redis，连不上时整组跳过
func getTestRedis(t *testing.T) radix.Client {
	t.Helper()

	addr := os.Getenv("STORE_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	pool, err := radix.NewPool("tcp", addr, 2)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := pool.Do(radix.Cmd(nil, "PING")); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func withCleanCart(t *testing.T, client radix.Client, userID int64) {
	t.Helper()
	key := fmt.Sprintf("cart:%d", userID)
	require.NoError(t, client.Do(radix.Cmd(nil, "DEL", key)))
	t.Cleanup(func() {
		_ = client.Do(radix.Cmd(nil, "DEL", key))
	})
}

func TestCartRoundTrip(t *testing.T) {
	client := getTestRedis(t)
	repo := NewCartRepository(client)
	ctx := context.Background()
	const userID = 900001
	withCleanCart(t, client, userID)

	n, err := repo.IncrQuantity(ctx, userID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = repo.IncrQuantity(ctx, userID, 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	require.NoError(t, repo.SetQuantity(ctx, userID, 2, 7))

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{1: 5, 2: 7}, got)

	require.NoError(t, repo.Remove(ctx, userID, 1))
	got, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{2: 7}, got)

	require.NoError(t, repo.Clear(ctx, userID))
	got, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestIncrQuantityBelowZeroRemovesLine(t *testing.T) {
	client := getTestRedis(t)
	repo := NewCartRepository(client)
	ctx := context.Background()
	const userID = 900002
	withCleanCart(t, client, userID)

	_, err := repo.IncrQuantity(ctx, userID, 1, 2)
	require.NoError(t, err)

	n, err := repo.IncrQuantity(ctx, userID, 1, -5)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetSkipsAndCleansDirtyFields(t *testing.T) {
	client := getTestRedis(t)
	repo := NewCartRepository(client)
	ctx := context.Background()
	const userID = 900003
	withCleanCart(t, client, userID)

	key := fmt.Sprintf("cart:%d", userID)
	require.NoError(t, client.Do(radix.Cmd(nil, "HSET", key, "not-a-number", "3")))
	require.NoError(t, client.Do(radix.Cmd(nil, "HSET", key, "7", "oops")))
	require.NoError(t, client.Do(radix.Cmd(nil, "HSET", key, "8", "4")))

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{8: 4}, got)

	// 脏字段已经被顺手清掉
	var remaining map[string]string
	require.NoError(t, client.Do(radix.Cmd(&remaining, "HGETALL", key)))
	require.Equal(t, map[string]string{"8": "4"}, remaining)
}
