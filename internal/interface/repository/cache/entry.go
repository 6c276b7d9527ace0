package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"offlinecache/internal/domain"
)

// Entry はディスク上のキャッシュエントリのメタデータを表す
type Entry struct {
	Key        string              `json:"key"`
	File       string              `json:"file"`
	Size       int64               `json:"size"`
	StatusCode int                 `json:"status_code"`
	Status     string              `json:"status"`
	Header     map[string][]string `json:"header,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	Compressed bool                `json:"compressed"`
}

// NewEntry は新しいEntryインスタンスを作成
func NewEntry(
	key string, size int64, resp *domain.CachedResponse, compressed bool,
) *Entry {
	createdAt := resp.StoredAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Entry{
		Key:        key,
		File:       fileName(key),
		Size:       size,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		CreatedAt:  createdAt,
		Compressed: compressed,
	}
}

// Response はボディと組み合わせてスナップショットを復元
func (e *Entry) Response(body []byte) *domain.CachedResponse {
	return &domain.CachedResponse{
		StatusCode: e.StatusCode,
		Status:     e.Status,
		Header:     e.Header,
		Body:       body,
		StoredAt:   e.CreatedAt,
	}
}

// fileName はキーからファイル名を決める
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
