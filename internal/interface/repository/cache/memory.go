package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"offlinecache/internal/domain"
)

// Memory はプロセス内のキャッシュストレージ実装.
type Memory struct {
	mu         sync.RWMutex
	order      []string
	partitions map[string]*memoryPartition
}

var _ domain.CacheStorage = (*Memory)(nil)

// NewMemory は新しいMemoryインスタンスを作成
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]*memoryPartition),
	}
}

func (m *Memory) Open(ctx context.Context, name string) (domain.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{
		name:    name,
		entries: make(map[string]*domain.CachedResponse),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *Memory) Has(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *Memory) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	m.mu.RLock()
	list := make([]*memoryPartition, 0, len(m.order))
	for _, name := range m.order {
		list = append(list, m.partitions[name])
	}
	m.mu.RUnlock()

	for _, p := range list {
		resp, ok, err := p.Match(ctx, req)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return nil, false, nil
}

type memoryPartition struct {
	mu      sync.RWMutex
	name    string
	entries map[string]*domain.CachedResponse
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	resp, ok := p.entries[req.Key()]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (p *memoryPartition) Put(ctx context.Context, req *domain.Request, resp *domain.CachedResponse) error {
	return p.PutAll(ctx, []domain.CacheEntry{{Request: req, Response: resp}})
}

func (p *memoryPartition) PutAll(ctx context.Context, entries []domain.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		resp := e.Response.Clone()
		if resp.StoredAt.IsZero() {
			resp.StoredAt = now
		}
		p.entries[e.Request.Key()] = resp
	}
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, req *domain.Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.Key()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
