package handler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"offlinecache/internal/domain"
	"offlinecache/internal/usecase"
)

// SourceHeader はレスポンスの出どころを示すヘッダー
const SourceHeader = "X-Offline-Cache"

// hopHeaders は転送しないホップバイホップヘッダー
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher は一回のリクエストに対してレスポンスを一つ返す
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*usecase.Result, error)
}

// ProxyHandler はアプリケーションとネットワークの間でリクエストを中継する
type ProxyHandler struct {
	fetcher Fetcher
	origin  *url.URL
	metrics domain.MetricsCollector
	logger  domain.Logger
}

func NewProxyHandler(
	fetcher Fetcher, origin *url.URL, metrics domain.MetricsCollector, logger domain.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		fetcher: fetcher,
		origin:  origin,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := ksuid.New().String()

	if r.Method == http.MethodConnect {
		h.logger.Info("CONNECT method received", map[string]interface{}{
			"request_id": requestID,
			"host":       r.Host,
		})
		http.Error(w, "CONNECT tunneling is not supported", http.StatusMethodNotAllowed)
		return
	}

	outReq := h.outboundRequest(r)

	result, err := h.fetcher.Fetch(r.Context(), outReq)
	if err != nil {
		h.logger.Error("Upstream request failed", err, map[string]interface{}{
			"request_id": requestID,
			"method":     outReq.Method,
			"url":        outReq.URL.String(),
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	resp := result.Response
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	removeHopHeaders(header)
	header.Set(SourceHeader, string(result.Source))

	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	h.metrics.AddBytesServed(n)
	if err != nil {
		h.logger.Error("Failed to write response body", err, map[string]interface{}{
			"request_id": requestID,
			"url":        outReq.URL.String(),
		})
	}

	h.logger.Info("Request served", map[string]interface{}{
		"request_id": requestID,
		"method":     outReq.Method,
		"url":        outReq.URL.String(),
		"status":     resp.StatusCode,
		"source":     string(result.Source),
		"bytes":      n,
		"duration":   time.Since(start).Seconds(),
	})
}

// outboundRequest は上流へ送るリクエストを作成する.
// 相対URLのリクエストはオリジンに対するものとして扱う.
func (h *ProxyHandler) outboundRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""

	if !out.URL.IsAbs() && h.origin != nil {
		target := *h.origin
		target.Path = out.URL.Path
		target.RawPath = out.URL.RawPath
		target.RawQuery = out.URL.RawQuery
		out.URL = &target
	}
	out.Host = ""

	if r.ContentLength == 0 {
		out.Body = nil
	}
	removeHopHeaders(out.Header)
	return out
}

func removeHopHeaders(header http.Header) {
	for _, f := range header.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}
