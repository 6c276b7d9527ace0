package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinecache/internal/domain"
	"offlinecache/internal/interface/repository/cache/cachetest"
)

// OFFLINECACHE_TEST_REDIS_ADDR が設定されている場合のみ実サーバーで確認する
func TestStore(t *testing.T) {
	addr := os.Getenv("OFFLINECACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OFFLINECACHE_TEST_REDIS_ADDR not set")
	}

	cachetest.Run(t, func(t *testing.T) domain.CacheStorage {
		store, err := Dial(context.Background(), Options{
			Addr:      addr,
			Namespace: "offlinecache-test-" + ksuid.New().String(),
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			names, _ := store.Keys(ctx)
			for _, name := range names {
				_, _ = store.Delete(ctx, name)
			}
			store.client.Del(ctx, store.partitionsKey(), store.seqKey())
			_ = store.Close()
		})
		return store
	})
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Dial(ctx, Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestKeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	s := New(client, "")
	assert.Equal(t, "offlinecache:partitions", s.partitionsKey())
	assert.Equal(t, "offlinecache:seq", s.seqKey())
	assert.Equal(t, "offlinecache:partition:app-runtime-v2", s.entriesKey("app-runtime-v2"))

	s = New(client, "tenant")
	assert.Equal(t, "tenant:partition:app-v2", s.entriesKey("app-v2"))
}

func TestOperationsFailWithoutServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, "offlinecache")
	ctx := context.Background()

	_, err := s.Open(ctx, "app-v1")
	assert.Error(t, err)

	_, err = s.Keys(ctx)
	assert.Error(t, err)

	_, _, err = s.Match(ctx, cachetest.Request(t, "http://localhost/"))
	assert.Error(t, err)
}
