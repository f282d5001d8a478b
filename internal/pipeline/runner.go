// Package pipeline はfetch → process → validate の3ステップを順に実行する。
// 各ステップは独自の再試行回数と待機時間を持ち、前のステップが成功した場合のみ次へ進む。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bestsellers/internal/daterange"
	"github.com/hitoshi/bestsellers/internal/metrics"
	"github.com/hitoshi/bestsellers/internal/model"
	"github.com/hitoshi/bestsellers/internal/rejects"
	"github.com/hitoshi/bestsellers/internal/repository"
)

// ステップ名。コマンド名とメトリクスのラベルを兼ねる。
const (
	StepFetch    = "fetch"
	StepProcess  = "process"
	StepValidate = "validate"
)

// Steps は依存順に並べた全ステップ。
var Steps = []string{StepFetch, StepProcess, StepValidate}

// SnapshotFetcher は日付列のスナップショットを取得・保存する。
type SnapshotFetcher interface {
	FetchRange(ctx context.Context, dates []string) (int, error)
}

// SnapshotReader は保存済みのスナップショットを読み出す。
type SnapshotReader interface {
	Load(date string) ([]byte, error)
}

// SnapshotTransformer はスナップショットを行集合とリジェクトに変換する。
type SnapshotTransformer interface {
	Transform(raw []byte) (*model.RowSets, []model.RejectedRecord, error)
}

// Dependencies はRunnerが利用するコンポーネント。
type Dependencies struct {
	Fetcher     SnapshotFetcher
	Reader      SnapshotReader
	Transformer SnapshotTransformer
	Loader      repository.StageLoader
	Validator   repository.RangeChecker
	Rejects     rejects.Sink
	Metrics     metrics.MetricsCollector
}

// Config は処理対象期間とステップの再試行設定。
type Config struct {
	StartDate  string // YYYY-MM-DD
	EndDate    string // YYYY-MM-DD
	StepDays   int
	Retries    int           // 初回に加えて再試行する回数
	RetryDelay time.Duration // 再試行までの待機時間

	// Window が設定されている場合、実行ごとに呼び出して StartDate/EndDate を置き換える。
	Window func() (start, end string)
}

// DefaultConfig はデフォルトの設定を返す（週次・再試行1回・5分待機）。
func DefaultConfig() Config {
	return Config{
		StepDays:   7,
		Retries:    1,
		RetryDelay: 5 * time.Minute,
	}
}

// Runner はパイプラインの各ステップを実行する。
type Runner struct {
	deps   Dependencies
	config Config
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(deps Dependencies, config Config, logger *slog.Logger) *Runner {
	return &Runner{
		deps:   deps,
		config: config,
		logger: logger,
		wait:   sleepContext,
	}
}

// Run は fetch → process → validate を順に実行する。
func (r *Runner) Run(ctx context.Context) error {
	return r.RunSteps(ctx, Steps...)
}

// RunSteps は指定されたステップを順に実行する。
// 各ステップは失敗時に Retries 回まで RetryDelay 待って再試行し、
// 最終的に失敗した場合は後続のステップを実行せずにエラーを返す。
func (r *Runner) RunSteps(ctx context.Context, steps ...string) error {
	return r.forCurrentWindow().runSteps(ctx, steps)
}

func (r *Runner) runSteps(ctx context.Context, steps []string) error {
	runs := make([]func(context.Context, *slog.Logger) error, 0, len(steps))
	for _, step := range steps {
		fn, err := r.stepFunc(step)
		if err != nil {
			return err
		}
		runs = append(runs, fn)
	}

	runLogger := r.logger.With(slog.String("run_id", uuid.NewString()))
	runLogger.Info("パイプラインを開始します",
		slog.String("steps", strings.Join(steps, ",")),
		slog.String("start_date", r.config.StartDate),
		slog.String("end_date", r.config.EndDate),
	)

	for i, step := range steps {
		if err := r.runStep(ctx, runLogger.With(slog.String("step", step)), step, runs[i]); err != nil {
			runLogger.Error("パイプラインが失敗しました",
				slog.String("step", step),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("step %s: %w", step, err)
		}
	}

	runLogger.Info("パイプラインが完了しました")
	return nil
}

// Fetch は処理対象期間の全日付を取得する。最初の失敗で中断する。
func (r *Runner) Fetch(ctx context.Context) error {
	return r.forCurrentWindow().fetch(ctx, r.logger)
}

// Process は保存済みスナップショットを日付順に変換・ロードし、リジェクトを記録する。
// 失敗した日付で中断し、それより前の日付のロード結果はコミット済みのまま残る。
func (r *Runner) Process(ctx context.Context) error {
	return r.forCurrentWindow().process(ctx, r.logger)
}

// Validate はロード済みファクトの日付範囲を検証する。
// 不一致はログとメトリクスに記録するのみで、エラーはクエリ失敗時にだけ返す。
func (r *Runner) Validate(ctx context.Context) error {
	return r.forCurrentWindow().validate(ctx, r.logger)
}

// forCurrentWindow は今回の実行期間を確定させたRunnerのコピーを返す。
// 1回の実行中は全ステップが同じ期間を使う。
func (r *Runner) forCurrentWindow() *Runner {
	if r.config.Window == nil {
		return r
	}
	run := *r
	run.config.StartDate, run.config.EndDate = r.config.Window()
	return &run
}

func (r *Runner) stepFunc(step string) (func(context.Context, *slog.Logger) error, error) {
	switch step {
	case StepFetch:
		return r.fetch, nil
	case StepProcess:
		return r.process, nil
	case StepValidate:
		return r.validate, nil
	default:
		return nil, &model.InvalidArgumentError{
			Name:   "step",
			Reason: fmt.Sprintf("unknown step %q (want one of %s)", step, strings.Join(Steps, ", ")),
		}
	}
}

// runStep は1ステップを再試行付きで実行する。
func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, step string, fn func(context.Context, *slog.Logger) error) error {
	attempts := r.config.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err = fn(ctx, logger.With(slog.Int("attempt", attempt)))
		r.deps.Metrics.RecordStep(step, err, time.Since(start))
		if err == nil {
			logger.Info("ステップが完了しました",
				slog.Int("attempt", attempt),
				slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
			)
			return nil
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		logger.Warn("ステップが失敗しました。再試行します",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("retry_delay", r.config.RetryDelay.String()),
			slog.String("error", err.Error()),
		)
		if waitErr := r.wait(ctx, r.config.RetryDelay); waitErr != nil {
			return errors.Join(err, waitErr)
		}
	}
	return err
}

func (r *Runner) dates() ([]string, error) {
	return daterange.GenerateStrings(r.config.StartDate, r.config.EndDate, r.config.StepDays)
}

func (r *Runner) fetch(ctx context.Context, logger *slog.Logger) error {
	dates, err := r.dates()
	if err != nil {
		return err
	}

	n, err := r.deps.Fetcher.FetchRange(ctx, dates)
	if err != nil {
		return err
	}
	logger.Info("スナップショットの取得が完了しました", slog.Int("dates", n))
	return nil
}

func (r *Runner) process(ctx context.Context, logger *slog.Logger) error {
	dates, err := r.dates()
	if err != nil {
		return err
	}

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.processDate(ctx, logger.With(slog.String("date", date)), date); err != nil {
			return err
		}
	}
	logger.Info("スナップショットの変換・ロードが完了しました", slog.Int("dates", len(dates)))
	return nil
}

// processDate は1日付分の読み出し・変換・ロード・リジェクト記録を行う。
// リジェクトはロードのコミット後に記録するため、再試行で同じ日付を処理しても重複しない。
func (r *Runner) processDate(ctx context.Context, logger *slog.Logger, date string) error {
	raw, err := r.deps.Reader.Load(date)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", date, err)
	}

	rows, rejected, err := r.deps.Transformer.Transform(raw)
	if err != nil {
		var transformErr *model.TransformError
		if errors.As(err, &transformErr) && transformErr.Date == "" {
			transformErr.Date = date
		}
		return err
	}

	result, err := r.deps.Loader.Load(ctx, date, rows)
	if err != nil {
		return err
	}

	for _, table := range model.LoadTables {
		count := result.Counts[table]
		r.deps.Metrics.RecordRowsLoaded(string(table), count.Inserted, count.Skipped)
	}

	rejected = append(rejected, result.Rejected...)
	if err := r.deps.Rejects.Record(rejected); err != nil {
		return fmt.Errorf("record rejects for %s: %w", date, err)
	}
	for table, n := range countByTable(rejected) {
		r.deps.Metrics.RecordRejected(string(table), n)
	}

	logger.Info("日付の処理が完了しました", slog.Int("rejected", len(rejected)))
	return nil
}

func (r *Runner) validate(ctx context.Context, logger *slog.Logger) error {
	dates, err := r.dates()
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		logger.Info("処理対象の日付がないため検証をスキップします")
		return nil
	}

	minDate, maxDate := dates[0], dates[len(dates)-1]
	ok, err := r.deps.Validator.Validate(ctx, minDate, maxDate)
	if err != nil {
		return err
	}
	r.deps.Metrics.RecordValidation(ok)
	if !ok {
		logger.Warn("日付範囲の検証で不一致を検出しました",
			slog.String("expected_min", minDate),
			slog.String("expected_max", maxDate),
		)
	}
	return nil
}

func countByTable(records []model.RejectedRecord) map[model.TargetTable]int {
	counts := make(map[model.TargetTable]int)
	for _, rec := range records {
		counts[rec.Table]++
	}
	return counts
}

// sleepContext はdだけ待機する。ctxがキャンセルされた場合はその時点でエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
