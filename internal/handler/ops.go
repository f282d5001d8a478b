// Package handler はschedule モードで公開する運用HTTPエンドポイントを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bestsellers/internal/database"
	"github.com/hitoshi/bestsellers/internal/metrics"
	"github.com/hitoshi/bestsellers/internal/middleware"
	"github.com/hitoshi/bestsellers/internal/model"
)

const defaultHealthTimeout = 3 * time.Second

// StatusProvider はスケジュール実行の状態を返す。
type StatusProvider interface {
	Status() model.RunStatus
}

// OpsDeps はNewOpsRouterに必要な依存関係をまとめた構造体。
type OpsDeps struct {
	HealthChecker database.Pinger
	Gatherer      prometheus.Gatherer
	Status        StatusProvider
	Logger        *slog.Logger

	// HealthTimeout はDB疎通確認のタイムアウト。0以下の場合は3秒。
	HealthTimeout time.Duration
}

// HealthResponse は /health のレスポンスボディ。
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// NewOpsRouter は /health, /metrics, /status のルーティングを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → OpsHeaders
func NewOpsRouter(deps *OpsDeps) http.Handler {
	timeout := deps.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewOpsHeadersMiddleware())

	r.Get("/health", healthHandler(deps.HealthChecker, deps.Logger, timeout))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	if deps.Status != nil {
		r.Get("/status", statusHandler(deps.Status))
	}

	return r
}

// healthHandler はDBへの疎通を確認し、到達できない場合は503を返す。
func healthHandler(db database.Pinger, logger *slog.Logger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := database.Ping(r.Context(), db, timeout); err != nil {
			logger.Warn("ヘルスチェックでDBに接続できません", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
	}
}

func statusHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, provider.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
