package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// opsCSP はJSONとPrometheusテキストしか返さない運用エンドポイント用のCSP。
const opsCSP = "default-src 'none'; frame-ancestors 'none'"

// NewOpsHeadersMiddleware は /health, /metrics, /status の応答ヘッダーを設定する。
// 応答は実行中の状態を表すためキャッシュさせず、RequestIDがあれば X-Request-Id で返す。
func NewOpsHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Content-Security-Policy", opsCSP)
			h.Set("X-Content-Type-Options", "nosniff")
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				h.Set(chimw.RequestIDHeader, reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}
