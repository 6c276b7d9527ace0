package domain

import "time"

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	RecordRequest()
	RecordPassthrough()
	RecordCacheHit()
	RecordCacheMiss()
	RecordNetworkError()
	RecordOfflineFallback()
	RecordStoreError()
	RecordInstall()
	RecordActivation(deleted int)
	AddBytesServed(bytes int64)
	GetSnapshot() map[string]interface{}
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	StartTime         time.Time `json:"start_time"`
	TotalRequests     int64     `json:"total_requests"`
	Passthrough       int64     `json:"passthrough"`
	CacheHits         int64     `json:"cache_hits"`
	CacheMisses       int64     `json:"cache_misses"`
	NetworkErrors     int64     `json:"network_errors"`
	OfflineFallbacks  int64     `json:"offline_fallbacks"`
	StoreErrors       int64     `json:"store_errors"`
	BytesServed       int64     `json:"bytes_served"`
	Installs          int64     `json:"installs"`
	Activations       int64     `json:"activations"`
	DeletedPartitions int64     `json:"deleted_partitions"`
	Uptime            string    `json:"uptime"`
}
