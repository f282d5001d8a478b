package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bestsellers/internal/metrics"
	"github.com/hitoshi/bestsellers/internal/model"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type staticStatus struct {
	status model.RunStatus
}

func (s staticStatus) Status() model.RunStatus { return s.status }

func newTestRouter(t *testing.T, ping pingFunc, status StatusProvider) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg).RecordFetchSuccess("2023-01-01")
	return NewOpsRouter(&OpsDeps{
		HealthChecker: ping,
		Gatherer:      reg,
		Status:        status,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		HealthTimeout: 100 * time.Millisecond,
	})
}

func TestOpsRouter_Health_OK(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error { return nil }, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスを解釈できません: %v", err)
	}
	if body.Status != "ok" || body.Database != "ok" {
		t.Errorf("body = %+v, want status=ok database=ok", body)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestOpsRouter_Health_DBUnreachable(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error { return errors.New("connection refused") }, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスを解釈できません: %v", err)
	}
	if body.Database != "unreachable" {
		t.Errorf("database = %q, want unreachable", body.Database)
	}
}

func TestOpsRouter_Health_TimesOut(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestOpsRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error { return nil }, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "bestsellers_fetch_success_total") {
		t.Errorf("取得成功のメトリクスが含まれていません:\n%s", w.Body.String())
	}
}

func TestOpsRouter_Status(t *testing.T) {
	start := time.Date(2023, 1, 9, 0, 0, 0, 0, time.UTC)
	router := newTestRouter(t, func(ctx context.Context) error { return nil }, staticStatus{status: model.RunStatus{
		Schedule:  "@weekly",
		LastStart: start,
		LastError: "step fetch: boom",
	}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /status status = %d, want %d", w.Code, http.StatusOK)
	}
	var body model.RunStatus
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスを解釈できません: %v", err)
	}
	if body.Schedule != "@weekly" || !body.LastStart.Equal(start) || body.LastError != "step fetch: boom" {
		t.Errorf("body = %+v", body)
	}
}

func TestOpsRouter_StatusNotMountedWithoutProvider(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error { return nil }, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("GET /status status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
