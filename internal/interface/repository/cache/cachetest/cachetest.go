// Package cachetest は domain.CacheStorage の全実装で共通の振る舞いを確認する.
package cachetest

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinecache/internal/domain"
)

// Request は GET リクエストの記述子を作る
func Request(t *testing.T, rawURL string) *domain.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &domain.Request{Method: http.MethodGet, URL: u, Destination: domain.DestinationOther}
}

// Response は 200 のスナップショットを作る
func Response(body string) *domain.CachedResponse {
	return &domain.CachedResponse{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     map[string][]string{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
	}
}

// Run は newStorage が返す空のストレージに対して共通の振る舞いを確認する
func Run(t *testing.T, newStorage func(t *testing.T) domain.CacheStorage) {
	t.Run("OpenCreatesOnce", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)

		has, err := s.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, has)

		p1, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		assert.Equal(t, "app-v1", p1.Name())
		require.NoError(t, p1.Put(ctx, Request(t, "http://localhost/a"), Response("a")))

		p2, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		keys, err := p2.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET http://localhost/a"}, keys)

		has, err = s.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("KeysInCreationOrder", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)

		for _, name := range []string{"app-v2", "app-runtime-v2", "app-v1"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}

		names, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-v2", "app-runtime-v2", "app-v1"}, names)
	})

	t.Run("MatchSearchesPartitionsInOrder", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		req := Request(t, "http://localhost/index.html")

		precache, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		runtime, err := s.Open(ctx, "app-runtime-v1")
		require.NoError(t, err)

		require.NoError(t, runtime.Put(ctx, req, Response("runtime")))
		resp, ok, err := s.Match(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "runtime", string(resp.Body))

		require.NoError(t, precache.Put(ctx, req, Response("precache")))
		resp, ok, err = s.Match(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "precache", string(resp.Body))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", http.Header(resp.Header).Get("Content-Type"))
		assert.False(t, resp.StoredAt.IsZero())

		_, ok, err = s.Match(ctx, Request(t, "http://localhost/missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		req := Request(t, "http://localhost/app.js")

		p, err := s.Open(ctx, "app-runtime-v1")
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, req, Response("old")))
		require.NoError(t, p.Put(ctx, req, Response("new")))

		resp, ok, err := p.Match(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", string(resp.Body))

		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})

	t.Run("PutAllStoresEveryEntry", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)

		p, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		require.NoError(t, p.PutAll(ctx, []domain.CacheEntry{
			{Request: Request(t, "http://localhost/"), Response: Response("root")},
			{Request: Request(t, "http://localhost/index.html"), Response: Response("index")},
			{Request: Request(t, "http://localhost/manifest.json"), Response: Response("{}")},
		}))

		keys, err := p.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"GET http://localhost/",
			"GET http://localhost/index.html",
			"GET http://localhost/manifest.json",
		}, keys)
	})

	t.Run("DeleteEntry", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		req := Request(t, "http://localhost/a")

		p, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, req, Response("a")))

		deleted, err := p.Delete(ctx, req)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = p.Delete(ctx, req)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, ok, err := p.Match(ctx, req)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeletePartition", func(t *testing.T) {
		ctx := context.Background()
		s := newStorage(t)
		req := Request(t, "http://localhost/a")

		p, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		require.NoError(t, p.Put(ctx, req, Response("a")))
		_, err = s.Open(ctx, "app-v2")
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, deleted)

		names, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-v2"}, names)

		_, ok, err := s.Match(ctx, req)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
