package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"offlinecache/internal/domain"
)

// DefaultManifest はマニフェストが無い場合に書き出す内容
func DefaultManifest() *domain.Manifest {
	return &domain.Manifest{
		Version:     "v1",
		CachePrefix: "offlinecache",
		Precache:    []string{"/", "/index.html", "/manifest.json"},
	}
}

func loadManifestFile(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultManifest(path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m domain.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	prepare(&m)
	if err := validator.New().Struct(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &m, nil
}

func createDefaultManifest(path string) (*domain.Manifest, error) {
	m := DefaultManifest()

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create default manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write default manifest: %w", err)
	}

	return m, nil
}

// prepare は読み込んだ値を正規化する
func prepare(m *domain.Manifest) {
	m.Version = strings.TrimSpace(m.Version)
	m.CachePrefix = strings.TrimSpace(m.CachePrefix)
	for i, p := range m.Precache {
		m.Precache[i] = strings.TrimSpace(p)
	}
}
