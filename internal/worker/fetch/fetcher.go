// Package fetch はNYT Books APIからのスナップショット取得と生データ保存を提供する。
// API呼び出しはGateで直列化され、呼び出し間に固定の待機時間を挟む。
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/bestsellers/internal/daterange"
	"github.com/hitoshi/bestsellers/internal/metrics"
	"github.com/hitoshi/bestsellers/internal/model"
)

// 失敗理由のうちHTTPステータス以外に由来するもの。
const (
	reasonInvalidDate = "invalid_date"
	reasonTransport   = "transport"
	reasonTooLarge    = "response_too_large"
	reasonEmptyBody   = "empty_body"
	reasonEnvelope    = "malformed_envelope"
	reasonAPIStatus   = "api_status"
	reasonStore       = "store"
	reasonCanceled    = "canceled"
)

// HTTPDoer はHTTPリクエストを実行するインターフェース。
// 本番ではsafeurlでラップした*http.Clientを渡す。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherConfig はFetcherの設定パラメータ。
type FetcherConfig struct {
	Endpoint    string // クエリなしのエンドポイントURL
	APIKey      string
	MaxBodySize int64
	UserAgent   string
}

// Fetcher は日付ごとにスナップショットを取得し、RawStoreへ保存する。
type Fetcher struct {
	client  HTTPDoer
	store   RawStore
	gate    *Gate
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	config  FetcherConfig
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// MaxBodySizeが0以下の場合は10MiBを上限とする。
func NewFetcher(
	client HTTPDoer,
	store RawStore,
	gate *Gate,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config FetcherConfig,
) *Fetcher {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "bestsellers-etl/1.0"
	}
	return &Fetcher{
		client:  client,
		store:   store,
		gate:    gate,
		metrics: collector,
		logger:  logger,
		config:  config,
	}
}

// envelope はレスポンスのうち成否判定に使う部分のみを表す。
type envelope struct {
	Status string `json:"status"`
}

// FetchRange はdatesを先頭から順に取得する。
// 最初に失敗した日付で中断し、それまでに取得できた件数とエラーを返す。
func (f *Fetcher) FetchRange(ctx context.Context, dates []string) (int, error) {
	for i, date := range dates {
		if err := f.FetchAndStore(ctx, date); err != nil {
			return i, err
		}
	}
	return len(dates), nil
}

// FetchAndStore は1日分のスナップショットを取得し、レスポンスボディをそのまま保存する。
// 失敗時は *model.FetchError を返す。
func (f *Fetcher) FetchAndStore(ctx context.Context, date string) error {
	if _, err := daterange.ParseDate(date); err != nil {
		return f.fail(date, 0, reasonInvalidDate, err)
	}

	err := f.gate.Do(ctx, func(ctx context.Context) error {
		return f.fetch(ctx, date)
	})
	var fetchErr *model.FetchError
	if err != nil && !errors.As(err, &fetchErr) {
		// ゲート待ち中のキャンセル
		return f.fail(date, 0, reasonCanceled, err)
	}
	return err
}

func (f *Fetcher) fetch(ctx context.Context, date string) error {
	start := time.Now()

	reqURL, err := f.buildURL(date)
	if err != nil {
		return f.fail(date, 0, reasonInvalidDate, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return f.fail(date, 0, reasonTransport, redact(err, f.config.APIKey))
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fail(date, 0, reasonTransport, redact(err, f.config.APIKey))
	}
	defer resp.Body.Close()

	f.metrics.RecordFetchLatency(time.Since(start))
	f.metrics.RecordHTTPStatus(resp.StatusCode)

	// 上限+1バイトまで読んで超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodySize+1))
	if err != nil {
		return f.fail(date, resp.StatusCode, reasonTransport, redact(err, f.config.APIKey))
	}

	if result := ClassifyHTTPStatus(resp.StatusCode); result != FetchResultOK {
		return f.fail(date, resp.StatusCode, result.String(),
			fmt.Errorf("unexpected response: %s", snippet(body)))
	}
	if int64(len(body)) > f.config.MaxBodySize {
		return f.fail(date, resp.StatusCode, reasonTooLarge,
			fmt.Errorf("response exceeds %d bytes", f.config.MaxBodySize))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return f.fail(date, resp.StatusCode, reasonEmptyBody, errors.New("response body is empty"))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return f.fail(date, resp.StatusCode, reasonEnvelope, err)
	}
	if env.Status != "OK" {
		return f.fail(date, resp.StatusCode, reasonAPIStatus,
			fmt.Errorf("api status %q", env.Status))
	}

	if err := f.store.Save(date, body); err != nil {
		return f.fail(date, resp.StatusCode, reasonStore, err)
	}

	f.metrics.RecordFetchSuccess(date)
	f.logger.Info("スナップショットを取得しました",
		slog.String("date", date),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// buildURL は {endpoint}?published_date={date}&api-key={key} を組み立てる。
func (f *Fetcher) buildURL(date string) (string, error) {
	u, err := url.Parse(f.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("published_date", date)
	q.Set("api-key", f.config.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Fetcher) fail(date string, status int, reason string, cause error) error {
	f.metrics.RecordFetchFailure(date, reason)
	f.logger.Error("スナップショットの取得に失敗しました",
		slog.String("date", date),
		slog.Int("http_status", status),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	return &model.FetchError{Date: date, StatusCode: status, Reason: reason, Cause: cause}
}

// redact はエラーメッセージに含まれるリクエストURLからAPIキーを取り除く。
func redact(err error, apiKey string) error {
	if apiKey == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(apiKey), "REDACTED")
	msg = strings.ReplaceAll(msg, apiKey, "REDACTED")
	return &redactedError{msg: msg, cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// snippet はエラーログ用にボディの先頭のみを返す。
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
