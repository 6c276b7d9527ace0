package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"offlinecache/internal/domain"
)

const namespace = "offlinecache"

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu          sync.Mutex
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry
	requests    prometheus.Counter
	passthrough prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	netErrors   prometheus.Counter
	offline     prometheus.Counter
	storeErrors prometheus.Counter
	bytes       prometheus.Counter
	installs    prometheus.Counter
	activations prometheus.Counter
	deleted     prometheus.Counter
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
// カウンタはインスタンスごとのレジストリに登録する.
func New(metricsFile string) *Repository {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    registry,
		requests:    counter("requests_total", "Total number of intercepted requests"),
		passthrough: counter("passthrough_total", "Requests passed through without cache access"),
		cacheHits:   counter("cache_hits_total", "Responses served from a cache partition"),
		cacheMisses: counter("cache_misses_total", "Cache lookups without a match"),
		netErrors:   counter("network_errors_total", "Failed network calls"),
		offline:     counter("offline_fallbacks_total", "Synthetic offline responses"),
		storeErrors: counter("store_errors_total", "Failed runtime cache writes"),
		bytes:       counter("bytes_served_total", "Response body bytes written to clients"),
		installs:    counter("installs_total", "Successful installs"),
		activations: counter("activations_total", "Successful activations"),
		deleted:     counter("deleted_partitions_total", "Partitions deleted during activation"),
	}
}

// Gatherer は /metrics で公開するレジストリを返す
func (r *Repository) Gatherer() prometheus.Gatherer {
	return r.registry
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) RecordRequest() {
	r.requests.Inc()
}

func (r *Repository) RecordPassthrough() {
	r.passthrough.Inc()
}

func (r *Repository) RecordCacheHit() {
	r.cacheHits.Inc()
}

func (r *Repository) RecordCacheMiss() {
	r.cacheMisses.Inc()
}

func (r *Repository) RecordNetworkError() {
	r.netErrors.Inc()
}

func (r *Repository) RecordOfflineFallback() {
	r.offline.Inc()
}

func (r *Repository) RecordStoreError() {
	r.storeErrors.Inc()
}

func (r *Repository) RecordInstall() {
	r.installs.Inc()
}

func (r *Repository) RecordActivation(deleted int) {
	r.activations.Inc()
	r.deleted.Add(float64(deleted))
}

func (r *Repository) AddBytesServed(bytes int64) {
	r.bytes.Add(float64(bytes))
}

func (r *Repository) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":          time.Now(),
		"start_time":         r.startTime,
		"total_requests":     value(r.requests),
		"passthrough":        value(r.passthrough),
		"cache_hits":         value(r.cacheHits),
		"cache_misses":       value(r.cacheMisses),
		"network_errors":     value(r.netErrors),
		"offline_fallbacks":  value(r.offline),
		"store_errors":       value(r.storeErrors),
		"bytes_served":       value(r.bytes),
		"installs":           value(r.installs),
		"activations":        value(r.activations),
		"deleted_partitions": value(r.deleted),
		"uptime":             time.Since(r.startTime).String(),
	}
}

// value はカウンタの現在値を読み出す
func value(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
