package domain

import (
	"context"
	"net/http"
	"time"
)

// CacheStorage は名前付きキャッシュパーティションの集合を表す.
type CacheStorage interface {
	// Open は指定した名前のパーティションを開く。存在しない場合は作成する.
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete はパーティションを削除する。存在しなかった場合は false を返す.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys は作成順にパーティション名を返す.
	Keys(ctx context.Context) ([]string, error)
	// Match は作成順に全パーティションを検索する.
	Match(ctx context.Context, req *Request) (*CachedResponse, bool, error)
}

// Partition はキー→レスポンスのストア.
type Partition interface {
	Name() string
	Match(ctx context.Context, req *Request) (*CachedResponse, bool, error)
	Put(ctx context.Context, req *Request, resp *CachedResponse) error
	// PutAll は全エントリをまとめて保存する。一件でも失敗した場合は何も保存しない.
	PutAll(ctx context.Context, entries []CacheEntry) error
	Delete(ctx context.Context, req *Request) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheEntry はリクエストとレスポンスの組.
type CacheEntry struct {
	Request  *Request
	Response *CachedResponse
}

// CachedResponse はレスポンスのスナップショット.
type CachedResponse struct {
	StatusCode int                 `json:"status_code"`
	Status     string              `json:"status"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
	StoredAt   time.Time           `json:"stored_at"`
}

// OK はステータスが 2xx かどうかを返す.
func (c *CachedResponse) OK() bool {
	return c.StatusCode >= 200 && c.StatusCode < 300
}

// Clone はヘッダーとボディをコピーしたスナップショットを返す.
func (c *CachedResponse) Clone() *CachedResponse {
	out := *c
	out.Header = http.Header(c.Header).Clone()
	out.Body = append([]byte(nil), c.Body...)
	return &out
}
