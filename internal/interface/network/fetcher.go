package network

import (
	"context"
	"net"
	"net/http"
	"time"

	"offlinecache/internal/domain"
)

// Fetcher は上流への HTTP 呼び出しを行う.
// リクエスト全体のタイムアウトは設定しない。応答が返らない場合はそのまま待ち続ける.
type Fetcher struct {
	client *http.Client
}

var _ domain.Fetcher = (*Fetcher)(nil)

// New は新しいFetcherインスタンスを作成
func New() *Fetcher {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return NewWithClient(&http.Client{
		Transport: transport,
		// リダイレクトはクライアントにそのまま返す
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	})
}

// NewWithClient は任意のクライアントを使うFetcherを作成
func NewWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch はリクエストを一度だけ送信する。リトライは行わない.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &domain.NetworkError{URL: req.URL.String(), Err: err}
	}
	return resp, nil
}
