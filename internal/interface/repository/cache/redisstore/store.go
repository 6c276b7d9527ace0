// Package redisstore はキャッシュのパーティションをRedisに保存する.
// 複数のプロキシプロセスで共有できる.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"offlinecache/internal/domain"
)

// Options はRedis接続の設定
type Options struct {
	Addr         string
	Password     string
	DB           int
	Namespace    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store はRedis上のキャッシュストレージ実装
type Store struct {
	client    redis.UniversalClient
	namespace string
}

var _ domain.CacheStorage = (*Store)(nil)

// Dial はRedisに接続し疎通を確認する
func Dial(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, opts.Namespace), nil
}

// New は既存のクライアントからStoreを作成する
func New(client redis.UniversalClient, namespace string) *Store {
	if namespace == "" {
		namespace = "offlinecache"
	}
	return &Store{client: client, namespace: namespace}
}

// Close はクライアントを閉じる
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) partitionsKey() string {
	return s.namespace + ":partitions"
}

func (s *Store) seqKey() string {
	return s.namespace + ":seq"
}

func (s *Store) entriesKey(name string) string {
	return fmt.Sprintf("%s:partition:%s", s.namespace, name)
}

func (s *Store) Open(ctx context.Context, name string) (domain.Partition, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate partition sequence: %w", err)
		}
		err = s.client.ZAddNX(ctx, s.partitionsKey(), redis.Z{Score: float64(seq), Member: name}).Err()
		if err != nil {
			return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
		}
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.partitionsKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up partition %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.partitionsKey(), name)
		pipe.Del(ctx, s.entriesKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.partitionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	return names, nil
}

func (s *Store) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		p := &partition{store: s, name: name}
		resp, ok, err := p.Match(ctx, req)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return nil, false, nil
}

type partition struct {
	store *Store
	name  string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *domain.Request) (*domain.CachedResponse, bool, error) {
	data, err := p.store.client.HGet(ctx, p.store.entriesKey(p.name), req.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from cache: %w", req.Key(), err)
	}

	var resp domain.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal %s: %w", req.Key(), err)
	}
	return &resp, true, nil
}

func (p *partition) Put(ctx context.Context, req *domain.Request, resp *domain.CachedResponse) error {
	return p.PutAll(ctx, []domain.CacheEntry{{Request: req, Response: resp}})
}

// PutAll は一回のHSETで全エントリを書き込む
func (p *partition) PutAll(ctx context.Context, entries []domain.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	values := make([]interface{}, 0, len(entries)*2)
	for _, e := range entries {
		resp := *e.Response
		if resp.StoredAt.IsZero() {
			resp.StoredAt = now
		}
		data, err := json.Marshal(&resp)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", e.Request.Key(), err)
		}
		values = append(values, e.Request.Key(), data)
	}

	if err := p.store.client.HSet(ctx, p.store.entriesKey(p.name), values...).Err(); err != nil {
		return fmt.Errorf("failed to cache entries in %s: %w", p.name, err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, req *domain.Request) (bool, error) {
	n, err := p.store.client.HDel(ctx, p.store.entriesKey(p.name), req.Key()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s from cache: %w", req.Key(), err)
	}
	return n > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.client.HKeys(ctx, p.store.entriesKey(p.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", p.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}
