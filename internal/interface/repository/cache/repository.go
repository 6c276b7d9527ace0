package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"offlinecache/internal/domain"
)

const (
	partitionsFile = "partitions.json"
	indexFile      = "index.json"
	compressMin    = 1024
)

type partitionRecord struct {
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository はディスク上のキャッシュストレージ実装
type Repository struct {
	mu         sync.RWMutex
	baseDir    string
	records    []partitionRecord
	partitions map[string]*diskPartition
}

// Verify interface implementation
var _ domain.CacheStorage = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成し、既存のパーティションを読み込む
func New(baseDir string) (*Repository, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	r := &Repository{
		baseDir:    baseDir,
		partitions: make(map[string]*diskPartition),
	}

	data, err := os.ReadFile(filepath.Join(baseDir, partitionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read partition list: %w", err)
	}
	if err := json.Unmarshal(data, &r.records); err != nil {
		return nil, fmt.Errorf("failed to parse partition list: %w", err)
	}

	for _, rec := range r.records {
		p, err := loadPartition(rec.Name, filepath.Join(baseDir, rec.Dir))
		if err != nil {
			return nil, fmt.Errorf("failed to load partition %s: %w", rec.Name, err)
		}
		r.partitions[rec.Name] = p
	}

	return r, nil
}

func (r *Repository) Open(ctx context.Context, name string) (domain.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.partitions[name]; ok {
		return p, nil
	}

	rec := partitionRecord{
		Name:      name,
		Dir:       fileName(name)[:32],
		CreatedAt: time.Now(),
	}
	dir := filepath.Join(r.baseDir, rec.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	p := &diskPartition{
		name:    name,
		dir:     dir,
		entries: make(map[string]*Entry),
	}
	if err := p.saveIndex(); err != nil {
		return nil, err
	}

	records := append(append([]partitionRecord(nil), r.records...), rec)
	if err := writeJSON(filepath.Join(r.baseDir, partitionsFile), records); err != nil {
		return nil, err
	}
	r.records = records
	r.partitions[name] = p
	return p, nil
}

func (r *Repository) Has(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.partitions[name]
	return ok, nil
}

func (r *Repository) Delete(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partitions[name]
	if !ok {
		return false, nil
	}

	records := make([]partitionRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Name != name {
			records = append(records, rec)
		}
	}
	if err := writeJSON(filepath.Join(r.baseDir, partitionsFile), records); err != nil {
		return false, err
	}
	r.records = records
	delete(r.partitions, name)

	return true, os.RemoveAll(p.dir)
}

func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		names = append(names, rec.Name)
	}
	return names, nil
}

func (r *Repository) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	r.mu.RLock()
	list := make([]*diskPartition, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, r.partitions[rec.Name])
	}
	r.mu.RUnlock()

	for _, p := range list {
		resp, ok, err := p.Match(ctx, req)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return nil, false, nil
}

// diskPartition は一つのディレクトリに対応するパーティション
type diskPartition struct {
	mu      sync.RWMutex
	name    string
	dir     string
	entries map[string]*Entry
}

func loadPartition(name, dir string) (*diskPartition, error) {
	p := &diskPartition{
		name:    name,
		dir:     dir,
		entries: make(map[string]*Entry),
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return p, os.MkdirAll(dir, 0755)
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &p.entries); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *diskPartition) Name() string {
	return p.name
}

// Match はキャッシュからデータを取得
func (p *diskPartition) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	// PutAll のリネームと交差しないよう、ファイルの読み込みまでロックを保持する
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, exists := p.entries[req.Key()]
	if !exists {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(p.dir, entry.File))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache file for %s: %w", entry.Key, err)
	}

	if entry.Compressed {
		data, err = decompress(data)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress cache file for %s: %w", entry.Key, err)
		}
	}

	return entry.Response(data), true, nil
}

func (p *diskPartition) Put(ctx context.Context, req *domain.Request, resp *domain.CachedResponse) error {
	return p.PutAll(ctx, []domain.CacheEntry{{Request: req, Response: resp}})
}

// PutAll は全ファイルを一時ファイルに書き込んでからまとめて反映する
func (p *diskPartition) PutAll(ctx context.Context, entries []domain.CacheEntry) error {
	type staged struct {
		tmp   string
		entry *Entry
	}

	var files []staged
	cleanup := func() {
		for _, f := range files {
			os.Remove(f.tmp)
		}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}

		data := e.Response.Body
		compressed := false

		// 大きなデータの場合は圧縮を試みる
		if len(data) > compressMin {
			if compData, err := compress(data); err == nil && len(compData) < len(data) {
				data = compData
				compressed = true
			}
		}

		tmp, err := writeTemp(p.dir, data)
		if err != nil {
			cleanup()
			return err
		}
		files = append(files, staged{
			tmp:   tmp,
			entry: NewEntry(e.Request.Key(), int64(len(data)), e.Response, compressed),
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*Entry, len(p.entries)+len(files))
	for k, v := range p.entries {
		next[k] = v
	}
	for _, f := range files {
		next[f.entry.Key] = f.entry
	}
	if err := writeJSON(filepath.Join(p.dir, indexFile), next); err != nil {
		cleanup()
		return err
	}

	for i, f := range files {
		if err := os.Rename(f.tmp, filepath.Join(p.dir, f.entry.File)); err != nil {
			// インデックスは書き込み済みなので残りを片付けてから返す
			for _, rest := range files[i:] {
				os.Remove(rest.tmp)
				delete(next, rest.entry.Key)
			}
			p.entries = next
			return errors.Join(err, p.saveIndex())
		}
	}
	p.entries = next
	return nil
}

// Delete はキャッシュからエントリを削除
func (p *diskPartition) Delete(ctx context.Context, req *domain.Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.entries[req.Key()]
	if !exists {
		return false, nil
	}
	delete(p.entries, entry.Key)
	if err := p.saveIndex(); err != nil {
		return true, err
	}
	if err := os.Remove(filepath.Join(p.dir, entry.File)); err != nil && !os.IsNotExist(err) {
		return true, err
	}
	return true, nil
}

func (p *diskPartition) Keys(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// saveIndex は呼び出し側でロックを保持していること
func (p *diskPartition) saveIndex() error {
	return writeJSON(filepath.Join(p.dir, indexFile), p.entries)
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// writeJSON は一時ファイル経由でJSONを書き込む
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, path)
}

// compress はデータをgzip圧縮する
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress はgzip圧縮されたデータを展開する
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
