package domain

import "context"

// Manifest はワーカーの版とプリキャッシュ対象を表す.
type Manifest struct {
	Version     string   `yaml:"version" json:"version" validate:"required"`
	CachePrefix string   `yaml:"cache_prefix" json:"cache_prefix" validate:"required"`
	Precache    []string `yaml:"precache" json:"precache" validate:"dive,startswith=/"`
}

// WorkerVersion はマニフェストからワーカーの版を作成する.
func (m *Manifest) WorkerVersion() WorkerVersion {
	return NewWorkerVersion(m.CachePrefix, m.Version, m.Precache)
}

// ManifestSource はマニフェストの読み込みと変更監視を担当.
type ManifestSource interface {
	Load() (*Manifest, error)
	Watch(ctx context.Context, onChange func(*Manifest))
}
