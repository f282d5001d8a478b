// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチャー、パイプライン、ローダーから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(date string)
	RecordFetchFailure(date string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordRowsLoaded(table string, inserted, skipped int)
	RecordRejected(table string, count int)
	RecordValidation(ok bool)
	RecordStep(step string, err error, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess  prometheus.Counter
	fetchFail     *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	rowsInserted  *prometheus.CounterVec
	rowsSkipped   *prometheus.CounterVec
	rowsRejected  *prometheus.CounterVec
	validation    *prometheus.CounterVec
	stepRuns      *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	lastSuccessTS *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bestsellers_fetch_success_total",
			Help: "スナップショット取得成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_fetch_fail_total",
			Help: "スナップショット取得失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bestsellers_fetch_latency_seconds",
			Help:    "API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_rows_inserted_total",
			Help: "テーブル別の挿入行数",
		}, []string{"table"}),
		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_rows_skipped_total",
			Help: "テーブル別の重複スキップ行数",
		}, []string{"table"}),
		rowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_rows_rejected_total",
			Help: "テーブル別のリジェクト行数",
		}, []string{"table"}),
		validation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_validation_total",
			Help: "範囲検証の結果別回数",
		}, []string{"result"}),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestsellers_step_runs_total",
			Help: "ステップ別・結果別の実行回数",
		}, []string{"step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bestsellers_step_duration_seconds",
			Help:    "ステップの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"step"}),
		lastSuccessTS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bestsellers_step_last_success_timestamp_seconds",
			Help: "ステップが最後に成功したUNIX時刻",
		}, []string{"step"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.rowsInserted,
		c.rowsSkipped,
		c.rowsRejected,
		c.validation,
		c.stepRuns,
		c.stepDuration,
		c.lastSuccessTS,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(date string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を理由別に記録する。
func (c *Collector) RecordFetchFailure(date string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordRowsLoaded はテーブル別の挿入数と重複スキップ数を記録する。
func (c *Collector) RecordRowsLoaded(table string, inserted, skipped int) {
	c.rowsInserted.WithLabelValues(table).Add(float64(inserted))
	c.rowsSkipped.WithLabelValues(table).Add(float64(skipped))
}

// RecordRejected はテーブル別のリジェクト数を記録する。
func (c *Collector) RecordRejected(table string, count int) {
	c.rowsRejected.WithLabelValues(table).Add(float64(count))
}

// RecordValidation は範囲検証の結果を記録する。
func (c *Collector) RecordValidation(ok bool) {
	result := "match"
	if !ok {
		result = "mismatch"
	}
	c.validation.WithLabelValues(result).Inc()
}

// RecordStep はステップ1回分の結果と所要時間を記録する。
func (c *Collector) RecordStep(step string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.stepRuns.WithLabelValues(step, result).Inc()
	c.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
	if err == nil {
		c.lastSuccessTS.WithLabelValues(step).SetToCurrentTime()
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Push は収集済みメトリクスをPushgatewayへ送信する。
// 単発実行はスクレイプされる前に終了するため、終了時にこちらを使う。
func Push(ctx context.Context, gatewayURL, job string, gatherer prometheus.Gatherer) error {
	if err := push.New(gatewayURL, job).Gatherer(gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
