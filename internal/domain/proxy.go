package domain

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Destination はリクエストの用途を表す.
type Destination string

const (
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationDocument Destination = "document"
	DestinationOther    Destination = "other"
)

// IsStaticAsset はキャッシュファーストで扱う種別かどうかを返す.
func (d Destination) IsStaticAsset() bool {
	switch d {
	case DestinationStyle, DestinationScript, DestinationImage, DestinationFont:
		return true
	}
	return false
}

// Request はキャッシュ判定に使うリクエスト記述子.
type Request struct {
	Method      string
	URL         *url.URL
	Destination Destination
}

// NewRequest は HTTP リクエストから記述子を作成する.
func NewRequest(r *http.Request) *Request {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return &Request{
		Method:      strings.ToUpper(r.Method),
		URL:         &u,
		Destination: DetectDestination(r),
	}
}

// Key はパーティション内のキーを返す.
func (r *Request) Key() string {
	return RequestKey(r.Method, r.URL.String())
}

// RequestKey は正規化したキャッシュキーを返す.
func RequestKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

// DetectDestination は Sec-Fetch-Dest ヘッダー、なければ拡張子から種別を判定する.
func DetectDestination(r *http.Request) Destination {
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "style":
		return DestinationStyle
	case "script", "worker", "sharedworker", "serviceworker", "audioworklet", "paintworklet":
		return DestinationScript
	case "image":
		return DestinationImage
	case "font":
		return DestinationFont
	case "document", "iframe", "frame", "embed", "object":
		return DestinationDocument
	case "":
	default:
		return DestinationOther
	}

	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".css":
		return DestinationStyle
	case ".js", ".mjs":
		return DestinationScript
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico", ".bmp":
		return DestinationImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return DestinationFont
	case ".html", ".htm":
		return DestinationDocument
	case "":
		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			return DestinationDocument
		}
	}
	return DestinationOther
}

// WorkerVersion はキャッシュマネージャの一つの版を表す.
type WorkerVersion struct {
	Version      string
	PrecacheName string
	RuntimeName  string
	Shell        []string
}

// NewWorkerVersion はプレフィックスとバージョンからパーティション名を決める.
func NewWorkerVersion(prefix, version string, shell []string) WorkerVersion {
	return WorkerVersion{
		Version:      version,
		PrecacheName: prefix + "-" + version,
		RuntimeName:  prefix + "-runtime-" + version,
		Shell:        append([]string(nil), shell...),
	}
}

// Fetcher はネットワークへの一回の呼び出しを表す.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}
