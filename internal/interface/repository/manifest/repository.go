package manifest

import (
	"context"
	"os"
	"slices"
	"sync"
	"time"

	"offlinecache/internal/domain"
)

// Repository はマニフェストファイルの読み込みと監視を担当
type Repository struct {
	mu       sync.RWMutex
	path     string
	interval time.Duration
	current  *domain.Manifest
	logger   domain.Logger
}

var _ domain.ManifestSource = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(path string, interval time.Duration, logger domain.Logger) *Repository {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Repository{
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Load はマニフェストを読み込む。ファイルが無い場合はデフォルトを書き出す
func (r *Repository) Load() (*domain.Manifest, error) {
	m, err := loadManifestFile(r.path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = m
	r.mu.Unlock()

	r.logger.Info("Loaded manifest", map[string]interface{}{
		"path":     r.path,
		"version":  m.Version,
		"precache": len(m.Precache),
	})
	return m, nil
}

// Current は最後に読み込んだマニフェストを返す
func (r *Repository) Current() *domain.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Watch は設定ファイルの変更を監視し、内容が変わった場合に onChange を呼ぶ
func (r *Repository) Watch(ctx context.Context, onChange func(*domain.Manifest)) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var lastModTime time.Time
	if stat, err := os.Stat(r.path); err == nil {
		lastModTime = stat.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stat, err := os.Stat(r.path)
		if err != nil {
			r.logger.Error("Error checking manifest file", err, map[string]interface{}{"path": r.path})
			continue
		}
		if !stat.ModTime().After(lastModTime) {
			continue
		}
		lastModTime = stat.ModTime()

		previous := r.Current()
		next, err := r.Load()
		if err != nil {
			r.logger.Error("Error reloading manifest", err, map[string]interface{}{"path": r.path})
			continue
		}
		if previous != nil && equal(previous, next) {
			continue
		}
		onChange(next)
	}
}

func equal(a, b *domain.Manifest) bool {
	return a.Version == b.Version &&
		a.CachePrefix == b.CachePrefix &&
		slices.Equal(a.Precache, b.Precache)
}
