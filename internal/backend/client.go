// Package backend はアプリケーションが使うホスト型バックエンドへのハンドルを保持する.
// オフラインキャッシュ自体はバックエンドと通信しない.
package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Config はバックエンドへの接続設定を表す
type Config struct {
	URL string `validate:"required,url"`
	Key string `validate:"required"`
}

// Client は設定されたキーで全リクエストを認証する薄いRESTクライアント
type Client struct {
	baseURL *url.URL
	key     string
	http    *http.Client
}

// NewClient は設定を検証してクライアントを作成
func NewClient(cfg Config) (*Client, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate backend config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	return &Client{
		baseURL: base,
		key:     cfg.Key,
		http:    &http.Client{},
	}, nil
}

// BaseURL は接続先のエンドポイントを返す
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// NewRequest はベースURLからの相対パスで認証ヘッダー付きのリクエストを作成
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	return req, nil
}

// Do はリクエストを送信
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Accessor は初回利用時にClientを一つだけ作成し、
// プロセスが終了するまで同じインスタンスを返す.
type Accessor struct {
	cfg    Config
	once   sync.Once
	client *Client
	err    error
}

// NewAccessor は新しいAccessorを作成. Client が呼ばれるまで何も作らない
func NewAccessor(cfg Config) *Accessor {
	return &Accessor{cfg: cfg}
}

// Client は共有のクライアントを返す. 初回のみ作成する
func (a *Accessor) Client() (*Client, error) {
	a.once.Do(func() {
		a.client, a.err = NewClient(a.cfg)
	})
	return a.client, a.err
}
