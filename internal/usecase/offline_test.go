package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"offlinecache/internal/domain"
	"offlinecache/internal/interface/repository/cache"
	"offlinecache/internal/interface/repository/logger"
	"offlinecache/internal/interface/repository/metrics"
)

const testOrigin = "http://localhost:3000"

type stubResponse struct {
	status      int
	body        string
	contentType string
}

// stubFetcher はパスごとに決まったレスポンスを返し、呼び出し回数を数える
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     map[string]int
	offline   bool
	gates     map[string]*fetchGate
}

// fetchGate は最初の一回の取得を release が閉じられるまで止める
type fetchGate struct {
	entered chan struct{}
	release chan struct{}
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: map[string]stubResponse{
			"/":              {status: http.StatusOK, body: "<html>root</html>", contentType: "text/html"},
			"/index.html":    {status: http.StatusOK, body: "<html>index</html>", contentType: "text/html"},
			"/manifest.json": {status: http.StatusOK, body: `{"name":"app"}`, contentType: "application/json"},
			"/app.js":        {status: http.StatusOK, body: "console.log(1)", contentType: "text/javascript"},
			"/app.css":       {status: http.StatusOK, body: "body{}", contentType: "text/css"},
			"/reports":       {status: http.StatusOK, body: "<html>reports</html>", contentType: "text/html"},
			"/api/items":     {status: http.StatusOK, body: `[1,2]`, contentType: "application/json"},
		},
		calls: make(map[string]int),
		gates: make(map[string]*fetchGate),
	}
}

func (f *stubFetcher) block(path string) *fetchGate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &fetchGate{entered: make(chan struct{}), release: make(chan struct{})}
	f.gates[path] = g
	return g
}

func (f *stubFetcher) set(path string, resp stubResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = resp
}

func (f *stubFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *stubFetcher) count(method, rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+rawURL]
}

func (f *stubFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *stubFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	gate := f.gates[req.URL.Path]
	delete(f.gates, req.URL.Path)
	f.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[req.Method+" "+req.URL.String()]++
	if f.offline {
		return nil, &domain.NetworkError{URL: req.URL.String(), Err: errors.New("connection refused")}
	}

	r, ok := f.responses[req.URL.Path]
	if !ok {
		r = stubResponse{status: http.StatusNotFound, body: "not found", contentType: "text/plain"}
	}
	header := make(http.Header)
	header.Set("Content-Type", r.contentType)
	return &http.Response{
		Status:        http.StatusText(r.status),
		StatusCode:    r.status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Request:       req,
	}, nil
}

type fixture struct {
	storage *cache.Memory
	fetcher *stubFetcher
	metrics *metrics.Repository
	logger  *logger.Repository
	origin  *url.URL
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return &fixture{
		storage: cache.NewMemory(),
		fetcher: newStubFetcher(),
		metrics: metrics.New(""),
		logger:  logger.FromZap(zaptest.NewLogger(t)),
		origin:  origin,
	}
}

func (f *fixture) manager(version string) *OfflineCacheManager {
	return NewOfflineCacheManager(
		ManagerConfig{
			Version: domain.NewWorkerVersion("app", version, []string{"/", "/index.html", "/manifest.json"}),
			Origin:  f.origin,
		},
		f.storage, f.fetcher, f.metrics, f.logger,
	)
}

func (f *fixture) partitionKeys(t *testing.T, name string) []string {
	t.Helper()
	ctx := context.Background()
	has, err := f.storage.Has(ctx, name)
	require.NoError(t, err)
	if !has {
		return nil
	}
	p, err := f.storage.Open(ctx, name)
	require.NoError(t, err)
	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	return keys
}

func newGet(target string, header map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	m := f.manager("v1")

	require.NoError(t, m.Install(context.Background()))

	assert.Equal(t, []string{
		"GET http://localhost:3000/",
		"GET http://localhost:3000/index.html",
		"GET http://localhost:3000/manifest.json",
	}, f.partitionKeys(t, "app-v1"))
	assert.Equal(t, int64(1), f.metrics.GetSnapshot()["installs"])
}

func TestInstallFailureWritesNothing(t *testing.T) {
	testCases := []struct {
		name         string
		breakFetcher func(f *stubFetcher)
		status       int
	}{
		{"asset returns 500", func(f *stubFetcher) {
			f.set("/manifest.json", stubResponse{status: http.StatusInternalServerError, body: "boom"})
		}, http.StatusInternalServerError},
		{"asset missing", func(f *stubFetcher) {
			f.mu.Lock()
			delete(f.responses, "/index.html")
			f.mu.Unlock()
		}, http.StatusNotFound},
		{"network down", func(f *stubFetcher) { f.setOffline(true) }, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.breakFetcher(f.fetcher)

			err := f.manager("v1").Install(context.Background())
			require.ErrorIs(t, err, domain.ErrInstallFailed)

			var assetErr *domain.AssetFetchError
			require.ErrorAs(t, err, &assetErr)
			assert.Equal(t, tc.status, assetErr.StatusCode)

			has, err := f.storage.Has(context.Background(), "app-v1")
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestActivateDeletesOtherPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v1 := f.manager("v1")
	require.NoError(t, v1.Install(ctx))
	_, err := v1.Activate(ctx)
	require.NoError(t, err)
	_, err = f.storage.Open(ctx, "app-runtime-v1")
	require.NoError(t, err)
	_, err = f.storage.Open(ctx, "unrelated")
	require.NoError(t, err)

	v2 := f.manager("v2")
	require.NoError(t, v2.Install(ctx))
	deleted, err := v2.Activate(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"app-v1", "app-runtime-v1", "unrelated"}, deleted)
	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2"}, names)
}

func TestActivateKeepsCurrentRuntime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager("v1")

	require.NoError(t, m.Install(ctx))
	_, err := f.storage.Open(ctx, "app-runtime-v1")
	require.NoError(t, err)

	deleted, err := m.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1", "app-runtime-v1"}, names)
}

func TestFetchPassthrough(t *testing.T) {
	testCases := []struct {
		name string
		req  func() *http.Request
	}{
		{"non-GET", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, testOrigin+"/api/items", strings.NewReader(`{}`))
		}},
		{"cross-origin static asset", func() *http.Request {
			return newGet("https://cdn.example.com/lib.js", nil)
		}},
		{"cross-origin document", func() *http.Request {
			return newGet("https://other.example.com/", map[string]string{"Accept": "text/html"})
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			m := f.manager("v1")

			result, err := m.Fetch(ctx, tc.req())
			require.NoError(t, err)
			readBody(t, result.Response)
			m.Wait()

			assert.Equal(t, SourcePassthrough, result.Source)
			assert.Equal(t, 1, f.fetcher.total())
			names, err := f.storage.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager("v1")

	req := newGet(testOrigin+"/app.css", nil)
	p, err := f.storage.Open(ctx, "app-v1")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, domain.NewRequest(req), &domain.CachedResponse{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     map[string][]string{"Content-Type": {"text/css"}},
		Body:       []byte("cached{}"),
	}))

	result, err := m.Fetch(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached{}", readBody(t, result.Response))
	assert.Equal(t, "text/css", result.Response.Header.Get("Content-Type"))
	assert.Equal(t, 0, f.fetcher.total())
}

func TestCacheFirstMissStoresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager("v1")

	first, err := m.Fetch(ctx, newGet(testOrigin+"/app.js", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, "console.log(1)", readBody(t, first.Response))
	m.Wait()

	assert.Equal(t, []string{"GET http://localhost:3000/app.js"}, f.partitionKeys(t, "app-runtime-v1"))

	second, err := m.Fetch(ctx, newGet(testOrigin+"/app.js", nil))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "console.log(1)", readBody(t, second.Response))
	m.Wait()

	assert.Equal(t, 1, f.fetcher.count(http.MethodGet, testOrigin+"/app.js"))
	assert.Len(t, f.partitionKeys(t, "app-runtime-v1"), 1)
}

func TestCacheFirstOfflineMiss(t *testing.T) {
	f := newFixture(t)
	f.fetcher.setOffline(true)

	_, err := f.manager("v1").Fetch(context.Background(), newGet(testOrigin+"/app.js", nil))
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, int64(1), f.metrics.GetSnapshot()["network_errors"])
}

func TestNetworkFirst(t *testing.T) {
	html := map[string]string{"Accept": "text/html"}

	t.Run("online response is returned and stored", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")

		result, err := m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)
		m.Wait()

		assert.Equal(t, SourceNetwork, result.Source)
		assert.Equal(t, "<html>reports</html>", readBody(t, result.Response))
		assert.Equal(t, []string{"GET http://localhost:3000/reports"}, f.partitionKeys(t, "app-runtime-v1"))
	})

	t.Run("network is tried before a cached entry", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")

		_, err := m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)
		m.Wait()

		f.fetcher.set("/reports", stubResponse{status: http.StatusOK, body: "<html>reports v2</html>", contentType: "text/html"})
		result, err := m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)
		m.Wait()

		assert.Equal(t, SourceNetwork, result.Source)
		assert.Equal(t, "<html>reports v2</html>", readBody(t, result.Response))
		assert.Equal(t, 2, f.fetcher.count(http.MethodGet, testOrigin+"/reports"))
		assert.Equal(t, int64(0), f.metrics.GetSnapshot()["cache_hits"])

		// ランタイムキャッシュも新しい本文で上書きされる
		f.fetcher.setOffline(true)
		result, err = m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, result.Source)
		assert.Equal(t, "<html>reports v2</html>", readBody(t, result.Response))
	})

	t.Run("offline falls back to cache", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")

		_, err := m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)
		m.Wait()

		f.fetcher.setOffline(true)
		result, err := m.Fetch(ctx, newGet(testOrigin+"/reports", html))
		require.NoError(t, err)

		assert.Equal(t, SourceCache, result.Source)
		assert.Equal(t, http.StatusOK, result.Response.StatusCode)
		assert.Equal(t, "<html>reports</html>", readBody(t, result.Response))
		// オンライン時に一回、オフライン時に一回
		assert.Equal(t, 2, f.fetcher.count(http.MethodGet, testOrigin+"/reports"))
	})

	t.Run("offline falls back to precache", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")
		require.NoError(t, m.Install(ctx))

		f.fetcher.setOffline(true)
		result, err := m.Fetch(ctx, newGet(testOrigin+"/index.html", html))
		require.NoError(t, err)

		assert.Equal(t, SourceCache, result.Source)
		assert.Equal(t, "<html>index</html>", readBody(t, result.Response))
		// インストール時に一回、オフライン時に一回
		assert.Equal(t, 2, f.fetcher.count(http.MethodGet, testOrigin+"/index.html"))
	})

	t.Run("offline with nothing cached", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")
		f.fetcher.setOffline(true)

		result, err := m.Fetch(ctx, newGet(testOrigin+"/api/items", nil))
		require.NoError(t, err)

		assert.Equal(t, SourceOffline, result.Source)
		assert.Equal(t, http.StatusServiceUnavailable, result.Response.StatusCode)
		assert.Equal(t, "text/plain; charset=utf-8", result.Response.Header.Get("Content-Type"))
		assert.Equal(t, OfflineMessage, readBody(t, result.Response))
		assert.Equal(t, int64(1), f.metrics.GetSnapshot()["offline_fallbacks"])
		assert.Equal(t, 1, f.fetcher.count(http.MethodGet, testOrigin+"/api/items"))
	})

	t.Run("error status is returned but not stored", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		m := f.manager("v1")

		result, err := m.Fetch(ctx, newGet(testOrigin+"/api/missing", nil))
		require.NoError(t, err)
		m.Wait()

		assert.Equal(t, SourceNetwork, result.Source)
		assert.Equal(t, http.StatusNotFound, result.Response.StatusCode)
		readBody(t, result.Response)
		assert.Nil(t, f.partitionKeys(t, "app-runtime-v1"))
	})
}

func TestLoopbackCountsAsSameOrigin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	origin, err := url.Parse("https://app.example.com")
	require.NoError(t, err)
	f.origin = origin
	m := f.manager("v1")

	result, err := m.Fetch(ctx, newGet("http://127.0.0.1:8080/app.js", nil))
	require.NoError(t, err)
	readBody(t, result.Response)
	m.Wait()

	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, []string{"GET http://127.0.0.1:8080/app.js"}, f.partitionKeys(t, "app-runtime-v1"))
}

func TestIsLoopbackHost(t *testing.T) {
	testCases := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"dev.localhost", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"example.com", false},
		{"10.0.0.1", false},
		{"localhost.example.com", false},
	}

	for _, tc := range testCases {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.want, IsLoopbackHost(tc.host))
		})
	}
}
