package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"offlinecache/internal/domain"
)

// OfflineMessage はオフライン時の代替レスポンスの本文
const OfflineMessage = "Offline - no cached data available"

// Source はレスポンスの出どころ
type Source string

const (
	SourceNetwork     Source = "network"
	SourcePassthrough Source = "passthrough"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
)

// Result は一回のフェッチ処理の結果
type Result struct {
	Response *http.Response
	Source   Source
}

// ManagerConfig はOfflineCacheManagerの設定
type ManagerConfig struct {
	Version domain.WorkerVersion
	// Origin はプロキシ対象アプリケーションのオリジン
	Origin *url.URL
}

// OfflineCacheManager はプリキャッシュとランタイムキャッシュの二段キャッシュを実装
type OfflineCacheManager struct {
	version domain.WorkerVersion
	origin  *url.URL
	storage domain.CacheStorage
	fetcher domain.Fetcher
	metrics domain.MetricsCollector
	logger  domain.Logger
	tracer  trace.Tracer

	// retired 以降は pending を増やさない
	mu      sync.Mutex
	retired bool
	pending sync.WaitGroup
}

// NewOfflineCacheManager は新しいOfflineCacheManagerインスタンスを作成
func NewOfflineCacheManager(
	config ManagerConfig,
	storage domain.CacheStorage,
	fetcher domain.Fetcher,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *OfflineCacheManager {
	return &OfflineCacheManager{
		version: config.Version,
		origin:  config.Origin,
		storage: storage,
		fetcher: fetcher,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("offlinecache/usecase"),
	}
}

// Version はこのマネージャの版を返す
func (m *OfflineCacheManager) Version() domain.WorkerVersion {
	return m.version
}

// Install はシェルアセットをすべて取得し、プリキャッシュにまとめて保存する.
// 一件でも取得に失敗した場合は何も保存せず ErrInstallFailed を返す.
func (m *OfflineCacheManager) Install(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "offlinecache.install", trace.WithAttributes(
		attribute.String("offlinecache.version", m.version.Version),
		attribute.Int("offlinecache.shell_assets", len(m.version.Shell)),
	))
	defer span.End()

	m.logger.Info("Installing", map[string]interface{}{
		"version":  m.version.Version,
		"precache": m.version.PrecacheName,
	})

	entries := make([]domain.CacheEntry, len(m.version.Shell))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, asset := range m.version.Shell {
		eg.Go(func() error {
			entry, err := m.fetchAsset(egCtx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		m.logger.Error("Install error", err, map[string]interface{}{"version": m.version.Version})
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		return fmt.Errorf("%w: %s: %w", domain.ErrInstallFailed, m.version.Version, err)
	}

	m.logger.Info("Caching app shell", map[string]interface{}{"assets": len(entries)})
	partition, err := m.storage.Open(ctx, m.version.PrecacheName)
	if err == nil {
		err = partition.PutAll(ctx, entries)
	}
	if err != nil {
		m.logger.Error("Install error", err, map[string]interface{}{"version": m.version.Version})
		span.RecordError(err)
		span.SetStatus(codes.Error, "precache write failed")
		return fmt.Errorf("%w: %s: %w", domain.ErrInstallFailed, m.version.Version, err)
	}

	m.metrics.RecordInstall()
	return nil
}

func (m *OfflineCacheManager) fetchAsset(ctx context.Context, asset string) (domain.CacheEntry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return domain.CacheEntry{}, &domain.AssetFetchError{Path: asset, Err: err}
	}
	target := m.origin.ResolveReference(ref)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return domain.CacheEntry{}, &domain.AssetFetchError{Path: asset, Err: err}
	}

	resp, err := m.fetcher.Fetch(ctx, httpReq)
	if err != nil {
		return domain.CacheEntry{}, &domain.AssetFetchError{Path: asset, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.CacheEntry{}, &domain.AssetFetchError{Path: asset, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.CacheEntry{}, &domain.AssetFetchError{Path: asset, Err: err}
	}

	return domain.CacheEntry{
		Request:  domain.NewRequest(httpReq),
		Response: snapshot(resp, body),
	}, nil
}

// Activate は現在の版以外のパーティションを削除し、削除した名前を返す
func (m *OfflineCacheManager) Activate(ctx context.Context) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "offlinecache.activate", trace.WithAttributes(
		attribute.String("offlinecache.version", m.version.Version),
	))
	defer span.End()

	m.logger.Info("Activating", map[string]interface{}{"version": m.version.Version})

	names, err := m.storage.Keys(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list cache partitions: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if name == m.version.PrecacheName || name == m.version.RuntimeName {
			continue
		}
		m.logger.Info("Deleting old cache", map[string]interface{}{"partition": name})
		if _, err := m.storage.Delete(ctx, name); err != nil {
			span.RecordError(err)
			return deleted, fmt.Errorf("failed to delete cache partition %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}

	m.metrics.RecordActivation(len(deleted))
	return deleted, nil
}

// Fetch はリクエストの種類に応じてキャッシュ戦略を選び、レスポンスを一つ返す.
// req は上流へ送る絶対URLのリクエスト.
func (m *OfflineCacheManager) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	m.metrics.RecordRequest()
	desc := domain.NewRequest(req)

	// GET 以外はキャッシュに触れない
	if desc.Method != http.MethodGet {
		return m.passthrough(ctx, req)
	}

	// 外部オリジンはキャッシュしない
	if !m.isSameOrigin(desc.URL) {
		return m.passthrough(ctx, req)
	}

	if desc.Destination.IsStaticAsset() {
		return m.cacheFirst(ctx, req, desc)
	}
	return m.networkFirst(ctx, req, desc)
}

// Retire は以降のランタイムキャッシュへの書き込みを破棄させる.
// 新しい版を有効化する前に呼び、旧版のパーティションが作り直されないようにする.
func (m *OfflineCacheManager) Retire() {
	m.mu.Lock()
	m.retired = true
	m.mu.Unlock()
}

// Wait は投げっぱなしのキャッシュ書き込みが終わるまで待つ
func (m *OfflineCacheManager) Wait() {
	m.pending.Wait()
}

func (m *OfflineCacheManager) passthrough(ctx context.Context, req *http.Request) (*Result, error) {
	m.metrics.RecordPassthrough()
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		m.metrics.RecordNetworkError()
		return nil, err
	}
	return &Result{Response: resp, Source: SourcePassthrough}, nil
}

func (m *OfflineCacheManager) cacheFirst(ctx context.Context, req *http.Request, desc *domain.Request) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "offlinecache.cache_first", trace.WithAttributes(
		attribute.String("offlinecache.key", desc.Key()),
		attribute.String("offlinecache.destination", string(desc.Destination)),
	))
	defer span.End()

	if cached, ok := m.match(ctx, desc); ok {
		span.SetAttributes(attribute.String("offlinecache.source", string(SourceCache)))
		return &Result{Response: toHTTPResponse(cached, req), Source: SourceCache}, nil
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		resp, err = m.capture(ctx, desc, resp)
	}
	if err != nil {
		m.metrics.RecordNetworkError()
		span.RecordError(err)
		span.SetStatus(codes.Error, "network failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("offlinecache.source", string(SourceNetwork)))
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

func (m *OfflineCacheManager) networkFirst(ctx context.Context, req *http.Request, desc *domain.Request) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "offlinecache.network_first", trace.WithAttributes(
		attribute.String("offlinecache.key", desc.Key()),
		attribute.String("offlinecache.destination", string(desc.Destination)),
	))
	defer span.End()

	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil {
		resp, err = m.capture(ctx, desc, resp)
	}
	if err == nil {
		span.SetAttributes(attribute.String("offlinecache.source", string(SourceNetwork)))
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	m.metrics.RecordNetworkError()
	span.RecordError(err)
	m.logger.Warn("Network request failed, falling back to cache", map[string]interface{}{
		"key":   desc.Key(),
		"error": err.Error(),
	})

	if cached, ok := m.match(ctx, desc); ok {
		span.SetAttributes(attribute.String("offlinecache.source", string(SourceCache)))
		return &Result{Response: toHTTPResponse(cached, req), Source: SourceCache}, nil
	}

	m.metrics.RecordOfflineFallback()
	span.SetAttributes(attribute.String("offlinecache.source", string(SourceOffline)))
	return &Result{Response: OfflineResponse(req), Source: SourceOffline}, nil
}

// match は全パーティションを検索する。ストレージのエラーはミス扱い
func (m *OfflineCacheManager) match(ctx context.Context, desc *domain.Request) (*domain.CachedResponse, bool) {
	cached, ok, err := m.storage.Match(ctx, desc)
	if err != nil {
		m.logger.Error("Cache lookup failed", err, map[string]interface{}{"key": desc.Key()})
		ok = false
	}
	if ok {
		m.metrics.RecordCacheHit()
		return cached, true
	}
	m.metrics.RecordCacheMiss()
	return nil, false
}

// capture は成功レスポンスのボディを読み取り、コピーをランタイムキャッシュへ保存する
func (m *OfflineCacheManager) capture(ctx context.Context, desc *domain.Request, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &domain.NetworkError{URL: desc.URL.String(), Err: err}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Del("Content-Length")
	resp.TransferEncoding = nil

	m.store(ctx, desc, snapshot(resp, body))
	return resp, nil
}

// store はランタイムキャッシュへの書き込みを非同期で行う。失敗は呼び出し側に返さない
func (m *OfflineCacheManager) store(ctx context.Context, desc *domain.Request, cached *domain.CachedResponse) {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		m.logger.Debug("Dropping runtime cache write from retired version", map[string]interface{}{
			"key":       desc.Key(),
			"partition": m.version.RuntimeName,
		})
		return
	}
	m.pending.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()

		partition, err := m.storage.Open(ctx, m.version.RuntimeName)
		if err == nil {
			err = partition.Put(ctx, desc, cached)
		}
		if err != nil {
			m.metrics.RecordStoreError()
			m.logger.Error("Failed to store response in runtime cache", err, map[string]interface{}{
				"key":       desc.Key(),
				"partition": m.version.RuntimeName,
			})
		}
	}()
}

func (m *OfflineCacheManager) isSameOrigin(u *url.URL) bool {
	host := u.Hostname()
	if m.origin != nil && strings.EqualFold(host, m.origin.Hostname()) {
		return true
	}
	return IsLoopbackHost(host)
}

// IsLoopbackHost はローカルホストを表すホスト名かどうかを返す
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// OfflineResponse はオフライン時の合成レスポンスを作成
func OfflineResponse(req *http.Request) *http.Response {
	body := []byte(OfflineMessage)
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func snapshot(resp *http.Response, body []byte) *domain.CachedResponse {
	return &domain.CachedResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

func toHTTPResponse(cached *domain.CachedResponse, req *http.Request) *http.Response {
	status := cached.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", cached.StatusCode, http.StatusText(cached.StatusCode))
	}
	header := http.Header(cached.Header).Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	return &http.Response{
		Status:        status,
		StatusCode:    cached.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

// IsNetworkError はネットワーク失敗かどうかを返す
func IsNetworkError(err error) bool {
	var netErr *domain.NetworkError
	return errors.As(err, &netErr)
}
