package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinecache/internal/domain"
	"offlinecache/internal/interface/repository/cache/cachetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) domain.CacheStorage {
		return openTestStore(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	req := cachetest.Request(t, "http://localhost/manifest.json")

	store, err := Open(path)
	require.NoError(t, err)
	p, err := store.Open(ctx, "app-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, req, cachetest.Response(`{"name":"app"}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	resp, ok, err := reopened.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"name":"app"}`, string(resp.Body))
}

func TestPutIntoDeletedPartitionFails(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	p, err := store.Open(ctx, "app-runtime-v1")
	require.NoError(t, err)
	deleted, err := store.Delete(ctx, "app-runtime-v1")
	require.NoError(t, err)
	require.True(t, deleted)

	err = p.PutAll(ctx, []domain.CacheEntry{
		{Request: cachetest.Request(t, "http://localhost/a"), Response: cachetest.Response("a")},
		{Request: cachetest.Request(t, "http://localhost/b"), Response: cachetest.Response("b")},
	})
	assert.Error(t, err)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	has, err := store.Has(ctx, "app-runtime-v1")
	require.NoError(t, err)
	assert.False(t, has)
}
