package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/bestsellers/internal/model"
)

// 標準の5フィールド形式と @weekly などの記述子を受け付ける。
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger はslog.Loggerをcron.Loggerとして扱うアダプタ。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}

// scheduler はcron式に従ってパイプラインを実行し、直近の実行状態を保持する。
// 前回の実行が終わっていない場合、その回はスキップする。
type scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	spec    string
	job     func(ctx context.Context) error
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	status model.RunStatus
}

// newScheduler はspecでjobを起動するschedulerを生成する。
// specが解釈できない場合は *model.InvalidArgumentError を返す。
func newScheduler(spec string, job func(ctx context.Context) error, logger *slog.Logger) (*scheduler, error) {
	s := &scheduler{
		spec:   spec,
		job:    job,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := s.cron.AddFunc(spec, s.runJob)
	if err != nil {
		return nil, &model.InvalidArgumentError{Name: "SCHEDULE", Reason: err.Error()}
	}
	s.entryID = id
	return s, nil
}

// Start はスケジュールを開始する。ctxは各実行に引き継がれる。
func (s *scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("スケジューラを開始しました",
		slog.String("schedule", s.spec),
		slog.Time("next_run", s.cron.Entry(s.entryID).Next),
	)
}

// Stop は新しい実行の開始を止める。返されるcontextは実行中のジョブが終わるとDoneになる。
func (s *scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Status は直近の実行状態と次回の実行予定を返す。
func (s *scheduler) Status() model.RunStatus {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	status.Schedule = s.spec
	status.NextRun = s.cron.Entry(s.entryID).Next
	return status
}

func (s *scheduler) runJob() {
	s.mu.Lock()
	ctx := s.ctx
	s.status.Running = true
	s.status.LastStart = s.now().UTC()
	s.mu.Unlock()

	s.logger.Info("スケジュール実行を開始します")
	err := s.job(ctx)

	s.mu.Lock()
	s.status.Running = false
	s.status.LastFinish = s.now().UTC()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("スケジュール実行が失敗しました", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("スケジュール実行が完了しました")
}
