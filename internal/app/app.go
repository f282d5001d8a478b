package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bestsellers/internal/config"
	"github.com/hitoshi/bestsellers/internal/database"
	"github.com/hitoshi/bestsellers/internal/handler"
	"github.com/hitoshi/bestsellers/internal/logger"
	"github.com/hitoshi/bestsellers/internal/metrics"
	"github.com/hitoshi/bestsellers/internal/pipeline"
	"github.com/hitoshi/bestsellers/internal/rejects"
	"github.com/hitoshi/bestsellers/internal/repository"
	"github.com/hitoshi/bestsellers/internal/security"
	"github.com/hitoshi/bestsellers/internal/transform"
	fetchpkg "github.com/hitoshi/bestsellers/internal/worker/fetch"
)

const (
	pushJobName        = "bestsellers_etl"
	dbPingTimeout      = 5 * time.Second
	pushTimeout        = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
	defaultOpsPort     = "9090"
	healthcheckTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する（値はLoadで検証済み）
	level, _ := logger.ParseLevel(cfg.LogLevel)
	return cfg, logger.SetupDefault(w, level), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("METRICS_PORT")
		if port == "" {
			port = defaultOpsPort
		}
		return runHealthcheck("http://localhost:" + port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL())),
		slog.String("start_date", cfg.StartDate),
		slog.String("end_date", cfg.EndDate),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandSchedule:
		return runSchedule(ctx, cfg, log)
	default:
		return runOnce(ctx, cfg, log, cmd.Steps())
	}
}

// stack はパイプライン実行に必要な接続とコンポーネントの組。
type stack struct {
	db       *sql.DB
	registry *prometheus.Registry
	runner   *pipeline.Runner
}

// buildStack は設定から全依存関係をワイヤリングしてRunnerを構築する。
// sql.Openは接続を試行しないため、DBを使わない fetch のみの実行でも呼び出せる。
func buildStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	// 1. APIエンドポイントの検証（プライベートアドレスや非HTTPスキームを拒否する）
	guard := security.NewEndpointGuard()
	if err := guard.ValidateEndpoint(cfg.APIEndpoint); err != nil {
		return nil, fmt.Errorf("invalid NYT_API_ENDPOINT: %w", err)
	}

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 取得
	store := fetchpkg.NewFileStore(cfg.RawDataDir)
	fetcher := fetchpkg.NewFetcher(
		guard.NewSafeClient(cfg.FetchTimeout),
		store,
		fetchpkg.NewGate(cfg.FetchDelay),
		collector,
		log,
		fetchpkg.FetcherConfig{
			Endpoint:    cfg.APIEndpoint,
			APIKey:      cfg.APIKey,
			MaxBodySize: cfg.FetchMaxSize,
		},
	)

	// 5. 変換・ロード・検証・除外レコード
	transformer := transform.NewTransformer(security.NewTextSanitizer(), log)
	stageRepo := repository.NewStageRepo(db, log)
	validator := repository.NewRangeValidator(db, log)
	sink := rejects.NewCSVSink(cfg.RejectsPath, log)

	runner := pipeline.NewRunner(pipeline.Dependencies{
		Fetcher:     fetcher,
		Reader:      store,
		Transformer: transformer,
		Loader:      stageRepo,
		Validator:   validator,
		Rejects:     sink,
		Metrics:     collector,
	}, pipeline.Config{
		StartDate:  cfg.StartDate,
		EndDate:    cfg.EndDate,
		StepDays:   cfg.StepDays,
		Retries:    cfg.StepRetries,
		RetryDelay: cfg.StepRetryDelay,
		Window:     windowFunc(cfg, time.Now),
	}, log)

	return &stack{db: db, registry: registry, runner: runner}, nil
}

// windowFunc は実行ごとに処理期間を求める関数を返す。
// 環境変数で指定されなかった境界は now を基準に毎回計算し直す。
func windowFunc(cfg *config.Config, now func() time.Time) func() (string, string) {
	return func() (string, string) {
		return cfg.Window(now())
	}
}

// runOnce は指定ステップを1回実行し、PUSHGATEWAY_URLが設定されていればメトリクスを送信する。
func runOnce(ctx context.Context, cfg *config.Config, log *slog.Logger, steps []string) error {
	st, err := buildStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.db.Close()

	if needsDatabase(steps) {
		if err := database.Ping(ctx, st.db, dbPingTimeout); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")
	}

	runErr := st.runner.RunSteps(ctx, steps...)
	pushMetrics(cfg.PushgatewayURL, st.registry, log)
	return runErr
}

// pushMetrics は単発実行の終了時にPushgatewayへメトリクスを送信する。
// 送信の失敗は実行結果に影響させず、警告ログのみ出力する。
func pushMetrics(gatewayURL string, gatherer prometheus.Gatherer, log *slog.Logger) {
	if gatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	if err := metrics.Push(ctx, gatewayURL, pushJobName, gatherer); err != nil {
		log.Warn("メトリクスの送信に失敗しました", slog.String("error", err.Error()))
		return
	}
	log.Info("メトリクスを送信しました", slog.String("pushgateway", gatewayURL))
}

// runSchedule はSCHEDULEに従ってパイプライン全体を定期実行し、
// METRICS_PORTで /health, /metrics, /status を公開する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runSchedule(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := buildStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.db.Close()

	if err := database.Ping(ctx, st.db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established (schedule)")

	sched, err := newScheduler(cfg.Schedule, st.runner.Run, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr: ":" + cfg.MetricsPort,
		Handler: handler.NewOpsRouter(&handler.OpsDeps{
			HealthChecker: st.db,
			Gatherer:      st.registry,
			Status:        sched,
			Logger:        log,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down scheduler...")
	case err := <-serverErr:
		runErr = fmt.Errorf("ops server failed: %w", err)
	}

	// 実行中のパイプラインの終了を待ってからサーバーを止める
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}

	log.Info("scheduler stopped gracefully")
	return runErr
}

// runMigrate はステージングスキーマのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL())),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// baseURLの /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(baseURL string) error {
	client := &http.Client{Timeout: healthcheckTimeout}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
