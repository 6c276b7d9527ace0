package domain

import (
	"errors"
	"fmt"
)

// ErrInstallFailed はプリキャッシュの作成に失敗したことを表す.
var ErrInstallFailed = errors.New("install failed")

// AssetFetchError はシェルアセットの取得失敗エラー.
type AssetFetchError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *AssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch shell asset %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to fetch shell asset %s: status %d", e.Path, e.StatusCode)
}

func (e *AssetFetchError) Unwrap() error {
	return e.Err
}

// NetworkError はネットワーク呼び出しの失敗エラー.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
