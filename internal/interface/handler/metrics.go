package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offlinecache/internal/domain"
	"offlinecache/internal/usecase"
)

// VersionReporter は有効な版を返す
type VersionReporter interface {
	ActiveVersion() string
}

// BackendProbe はバックエンドクライアントを用意できるか確認する
type BackendProbe func() error

// MetricsHandler はメトリクス関連のHTTPリクエストを処理
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	gatherer       prometheus.Gatherer
	versions       VersionReporter
	backend        BackendProbe
	logger         domain.Logger
}

// NewMetricsHandler は新しいMetricsHandlerインスタンスを作成
func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase,
	gatherer prometheus.Gatherer,
	versions VersionReporter,
	backend BackendProbe,
	logger domain.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		gatherer:       gatherer,
		versions:       versions,
		backend:        backend,
		logger:         logger,
	}
}

// Register はルートを登録
func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(h.MetricsHTTPHandler()))
	e.GET("/stats", h.HandleStats)
	e.GET("/health", h.HandleHealth)
}

// MetricsHTTPHandler はPrometheus形式のメトリクスを提供
func (h *MetricsHandler) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// HandleStats はJSON形式の詳細な統計情報を提供
func (h *MetricsHandler) HandleStats(c echo.Context) error {
	snapshot, err := h.metricsUseCase.GetMetricsSnapshot()
	if err != nil {
		h.logger.Error("Failed to get metrics snapshot", err, nil)
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
	}

	return c.JSON(http.StatusOK, snapshot)
}

// HandleHealth はヘルスチェックエンドポイントを提供
func (h *MetricsHandler) HandleHealth(c echo.Context) error {
	body := map[string]string{
		"status":         "up",
		"active_version": "",
		"backend":        "unconfigured",
	}
	if h.versions != nil {
		body["active_version"] = h.versions.ActiveVersion()
	}
	if h.backend != nil {
		if err := h.backend(); err != nil {
			body["backend"] = "unavailable"
		} else {
			body["backend"] = "ready"
		}
	}
	return c.JSON(http.StatusOK, body)
}
