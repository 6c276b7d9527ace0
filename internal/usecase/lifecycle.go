package usecase

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"offlinecache/internal/domain"
)

// ManagerFactory は版ごとのOfflineCacheManagerを作成する
type ManagerFactory func(version domain.WorkerVersion) *OfflineCacheManager

// Lifecycle は有効な版を保持し、install → activate の順で版を切り替える
type Lifecycle struct {
	mu      sync.Mutex
	active  atomic.Pointer[OfflineCacheManager]
	factory ManagerFactory
	fetcher domain.Fetcher
	metrics domain.MetricsCollector
	logger  domain.Logger
}

// NewLifecycle は新しいLifecycleインスタンスを作成
func NewLifecycle(
	factory ManagerFactory,
	fetcher domain.Fetcher,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *Lifecycle {
	return &Lifecycle{
		factory: factory,
		fetcher: fetcher,
		metrics: metrics,
		logger:  logger,
	}
}

// Update は新しい版をインストールし、成功した場合のみ有効化する.
// インストールに失敗した場合は以前の版を維持する.
func (l *Lifecycle) Update(ctx context.Context, version domain.WorkerVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current := l.active.Load(); current != nil && sameVersion(current.Version(), version) {
		l.logger.Debug("Version already active", map[string]interface{}{"version": version.Version})
		return nil
	}

	manager := l.factory(version)
	if err := manager.Install(ctx); err != nil {
		fields := map[string]interface{}{"version": version.Version}
		if current := l.active.Load(); current != nil {
			fields["active_version"] = current.Version().Version
		}
		l.logger.Error("Install failed, keeping previous version", err, fields)
		return err
	}

	// 旧版の書き込みを止めてから残りを待つ。削除後のパーティションを作り直させない
	if current := l.active.Load(); current != nil {
		current.Retire()
		current.Wait()
	}

	// 既存クライアントの終了を待たずに有効化する.
	// 旧版は書き込みを止めているので、削除に失敗しても新しい版に切り替える
	deleted, err := manager.Activate(ctx)
	l.active.Store(manager)
	if err != nil {
		l.logger.Error("Activation failed", err, map[string]interface{}{"version": version.Version})
		return fmt.Errorf("activate %s: %w", version.Version, err)
	}

	// 以降のリクエストはすべて新しい版が処理する
	l.logger.Info("Version activated", map[string]interface{}{
		"version": version.Version,
		"deleted": deleted,
	})
	return nil
}

// Active は有効なマネージャを返す。未有効化の場合は nil
func (l *Lifecycle) Active() *OfflineCacheManager {
	return l.active.Load()
}

// ActiveVersion は有効な版のタグを返す
func (l *Lifecycle) ActiveVersion() string {
	if m := l.active.Load(); m != nil {
		return m.Version().Version
	}
	return ""
}

// Fetch は有効な版にリクエストを渡す。有効な版がなければそのまま上流へ送る
func (l *Lifecycle) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if m := l.active.Load(); m != nil {
		return m.Fetch(ctx, req)
	}

	l.metrics.RecordRequest()
	l.metrics.RecordPassthrough()
	resp, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		l.metrics.RecordNetworkError()
		return nil, err
	}
	return &Result{Response: resp, Source: SourcePassthrough}, nil
}

// Wait は有効な版の保留中の書き込みを待つ
func (l *Lifecycle) Wait() {
	if m := l.active.Load(); m != nil {
		m.Wait()
	}
}

// Close は有効な版の書き込みを止め、保留中の書き込みを待つ.
// ストレージを閉じる前に呼ぶ.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m := l.active.Load(); m != nil {
		m.Retire()
		m.Wait()
	}
}

// Retry は有効な版がない間、interval ごとに current が返すマニフェストのインストールを再試行する.
// ctx がキャンセルされるまで戻らない.
func (l *Lifecycle) Retry(ctx context.Context, interval time.Duration, current func() *domain.Manifest) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.active.Load() != nil {
				continue
			}
			m := current()
			if m == nil {
				continue
			}
			if err := l.Update(ctx, m.WorkerVersion()); err != nil {
				l.logger.Warn("Install retry failed", map[string]interface{}{
					"version": m.Version,
					"error":   err.Error(),
				})
			}
		}
	}
}

func sameVersion(a, b domain.WorkerVersion) bool {
	return a.Version == b.Version &&
		a.PrecacheName == b.PrecacheName &&
		a.RuntimeName == b.RuntimeName &&
		slices.Equal(a.Shell, b.Shell)
}
