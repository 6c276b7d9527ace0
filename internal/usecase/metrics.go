package usecase

import (
	"fmt"
	"time"

	"offlinecache/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	go uc.startPeriodicSave()
}

// Stop はメトリクス収集を停止し、最後のスナップショットを保存
func (uc *MetricsUseCase) Stop() error {
	uc.logger.Info("Stopping metrics collection", nil)
	close(uc.done)
	return uc.saveMetrics()
}

// startPeriodicSave は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) startPeriodicSave() {
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			uc.logger.Info("Stopping periodic metrics save", nil)
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get metrics snapshot: %w", err)
	}

	// メトリクスの保存処理をリポジトリに委譲
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		return saver.SaveMetrics(snapshot)
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() (*domain.MetricsSnapshot, error) {
	data := uc.metrics.GetSnapshot()

	snapshot := &domain.MetricsSnapshot{Timestamp: time.Now()}
	var ok bool
	assign := func(key string, dst *int64) {
		v, found := data[key].(int64)
		if !found {
			ok = false
			return
		}
		*dst = v
	}

	snapshot.StartTime, ok = data["start_time"].(time.Time)
	assign("total_requests", &snapshot.TotalRequests)
	assign("passthrough", &snapshot.Passthrough)
	assign("cache_hits", &snapshot.CacheHits)
	assign("cache_misses", &snapshot.CacheMisses)
	assign("network_errors", &snapshot.NetworkErrors)
	assign("offline_fallbacks", &snapshot.OfflineFallbacks)
	assign("store_errors", &snapshot.StoreErrors)
	assign("bytes_served", &snapshot.BytesServed)
	assign("installs", &snapshot.Installs)
	assign("activations", &snapshot.Activations)
	assign("deleted_partitions", &snapshot.DeletedPartitions)
	if !ok {
		return nil, fmt.Errorf("metrics snapshot has unexpected shape")
	}
	snapshot.Uptime, _ = data["uptime"].(string)

	return snapshot, nil
}
