package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"offlinecache/internal/backend"
	"offlinecache/internal/config"
	"offlinecache/internal/domain"
	"offlinecache/internal/interface/handler"
	"offlinecache/internal/interface/network"
	"offlinecache/internal/interface/repository/cache"
	"offlinecache/internal/interface/repository/cache/redisstore"
	"offlinecache/internal/interface/repository/cache/sqlitestore"
	"offlinecache/internal/interface/repository/logger"
	"offlinecache/internal/interface/repository/manifest"
	"offlinecache/internal/interface/repository/metrics"
	"offlinecache/internal/interface/telemetry"
	"offlinecache/internal/usecase"
)

const serviceName = "offlinecache"

func main() {
	// コンフィグの解析
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// ディレクトリの準備
	if err := prepareDirectories(cfg); err != nil {
		fmt.Printf("Failed to prepare directories: %v\n", err)
		os.Exit(1)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(logger.Options{
		Directory: cfg.LogDir,
		Filename:  "offlinecache.log",
		Level:     cfg.LogLevel,
		Console:   true,
		Rotation:  logger.DefaultRotationConfig(),
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()

	if err := run(cfg, loggerRepo); err != nil {
		loggerRepo.Error("Fatal error", err, nil)
		loggerRepo.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, loggerRepo *logger.Repository) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}

	// トレースの初期化
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			loggerRepo.Error("Failed to shut down tracing", err, nil)
		}
	}()

	// キャッシュストレージの初期化
	storage, closeStorage, err := newStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize cache storage: %w", err)
	}
	defer func() {
		if err := closeStorage(); err != nil {
			loggerRepo.Error("Failed to close cache storage", err, nil)
		}
	}()
	loggerRepo.Info("Cache storage ready", map[string]interface{}{"backend": cfg.Storage})

	fetcher := network.New()

	// メトリクスの初期化
	metricsCollector := metrics.New(filepath.Join(cfg.LogDir, "metrics.json"))
	metricsUseCase := usecase.NewMetricsUseCase(
		metricsCollector,
		loggerRepo,
		usecase.MetricsConfig{SaveInterval: cfg.MetricsSaveInterval},
	)
	metricsUseCase.Start()

	// 版の切り替えを管理するライフサイクル
	lifecycle := usecase.NewLifecycle(
		func(version domain.WorkerVersion) *usecase.OfflineCacheManager {
			return usecase.NewOfflineCacheManager(
				usecase.ManagerConfig{Version: version, Origin: origin},
				storage,
				fetcher,
				metricsCollector,
				loggerRepo,
			)
		},
		fetcher,
		metricsCollector,
		loggerRepo,
	)

	manifests := manifest.New(cfg.ManifestPath, cfg.ManifestPollInterval, loggerRepo)
	current, err := manifests.Load()
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	// オリジンが未起動でもプロキシは起動する。有効化されるまで再試行する
	if err := lifecycle.Update(ctx, current.WorkerVersion()); err != nil {
		loggerRepo.Warn("Initial install failed, serving without cache", map[string]interface{}{
			"error": err.Error(),
		})
	}
	go manifests.Watch(ctx, func(m *domain.Manifest) {
		if err := lifecycle.Update(ctx, m.WorkerVersion()); err != nil {
			loggerRepo.Warn("Update skipped", map[string]interface{}{
				"version": m.Version,
				"error":   err.Error(),
			})
		}
	})
	go lifecycle.Retry(ctx, cfg.ManifestPollInterval, manifests.Current)

	// バックエンドクライアントは初回利用時に作成する
	backendAccessor := backend.NewAccessor(backend.Config{URL: cfg.BackendURL, Key: cfg.BackendKey})
	var probe handler.BackendProbe
	if cfg.BackendURL != "" {
		probe = func() error {
			_, err := backendAccessor.Client()
			return err
		}
	}

	// ハンドラーの作成
	proxyHandler := handler.NewProxyHandler(lifecycle, origin, metricsCollector, loggerRepo)
	metricsHandler := handler.NewMetricsHandler(metricsUseCase, metricsCollector.Gatherer(), lifecycle, probe, loggerRepo)

	// プロキシサーバーの設定
	proxyServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: proxyHandler,
	}

	// メトリクスサーバーの設定
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	metricsHandler.Register(e)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: e,
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	// SIGHUP でログファイルを切り替える
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-hupChan:
				if err := loggerRepo.Rotate(); err != nil {
					loggerRepo.Error("Failed to rotate log file", err, nil)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// サーバーの起動
	go func() {
		loggerRepo.Info("Starting proxy server", map[string]interface{}{
			"port":   cfg.Port,
			"origin": origin.String(),
		})
		if err := proxyServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			loggerRepo.Error("Proxy server error", err, nil)
			cancel()
		}
	}()

	go func() {
		loggerRepo.Info("Starting metrics server", map[string]interface{}{"port": cfg.MetricsPort})
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			loggerRepo.Error("Metrics server error", err, nil)
			cancel()
		}
	}()

	// シグナル待機
	select {
	case <-signalChan:
		loggerRepo.Info("Shutdown signal received", nil)
	case <-ctx.Done():
		loggerRepo.Info("Shutdown initiated", nil)
	}
	cancel()

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down proxy server", err, nil)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down metrics server", err, nil)
	}

	// 保留中のキャッシュ書き込みを待ってからストレージを閉じる
	lifecycle.Close()

	if err := metricsUseCase.Stop(); err != nil {
		loggerRepo.Error("Failed to save final metrics", err, nil)
	}

	loggerRepo.Info("Shutdown complete", nil)
	return nil
}

// newStorage は設定に応じたキャッシュストレージを作成する
func newStorage(ctx context.Context, cfg *config.Config) (domain.CacheStorage, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.Storage {
	case "disk":
		repo, err := cache.New(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, noClose, nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		store, err := redisstore.Dial(ctx, redisstore.Options{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisNamespace,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return cache.NewMemory(), noClose, nil
	}
}

func prepareDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.LogDir,
		filepath.Dir(cfg.ManifestPath),
	}
	switch cfg.Storage {
	case "disk":
		dirs = append(dirs, cfg.CacheDir)
	case "sqlite":
		dirs = append(dirs, filepath.Dir(cfg.SQLitePath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
