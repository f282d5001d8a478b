// Package rejects は変換・ロードで除外したレコードを追記専用のCSVへ記録する。
package rejects

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/hitoshi/bestsellers/internal/model"
)

// Sink は除外レコードの記録先。
type Sink interface {
	Record(records []model.RejectedRecord) error
}

// csvRow はCSVの1行。列順は table, record, error, run_ts。ヘッダ行は書かない。
type csvRow struct {
	Table  string `csv:"table"`
	Record string `csv:"record"`
	Error  string `csv:"error"`
	RunTS  string `csv:"run_ts"`
}

// CSVSink は除外レコードをCSVファイルへ追記する。既存の内容は上書きしない。
type CSVSink struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewCSVSink はCSVSinkを生成する。ファイルは最初の書き込み時に作成する。
func NewCSVSink(path string, logger *slog.Logger) *CSVSink {
	return &CSVSink{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Path は書き込み先のファイルパスを返す。
func (s *CSVSink) Path() string {
	return s.path
}

// Record は除外レコードを1件1行で追記し、run_ts に書き込み時刻を付与する。
// 空の入力では何もしない（ファイルも作成しない）。書き込みエラーは呼び出し元へ返す。
func (s *CSVSink) Record(records []model.RejectedRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runTS := s.now().UTC().Format(time.RFC3339)
	rows := make([]*csvRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, &csvRow{
			Table:  string(rec.Table),
			Record: string(rec.Record),
			Error:  rec.Error,
			RunTS:  runTS,
		})
	}

	var buf bytes.Buffer
	if err := gocsv.MarshalWithoutHeaders(rows, &buf); err != nil {
		return fmt.Errorf("failed to encode rejected records: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create rejects directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open rejects file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append rejected records: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close rejects file: %w", err)
	}

	s.logger.Info("除外レコードを記録しました",
		slog.String("path", s.path),
		slog.Int("count", len(rows)),
	)
	return nil
}
