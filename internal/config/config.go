package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/bestsellers/internal/daterange"
	"github.com/hitoshi/bestsellers/internal/logger"
	"github.com/hitoshi/bestsellers/internal/model"
)

// Config はパイプライン全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// NYT Books API
	APIKey      string
	APISecret   string // 取得処理では使用しない
	APIEndpoint string

	// Database
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// 処理対象期間（YYYY-MM-DD）
	StartDate string
	EndDate   string
	StepDays  int

	// ETL_START_DATE / ETL_END_DATE が明示されたか。未指定の境界は実行ごとに Window で算出し直す。
	startFromEnv bool
	endFromEnv   bool

	// Fetch
	FetchDelay   time.Duration
	FetchTimeout time.Duration
	FetchMaxSize int64
	RawDataDir   string

	// Rejects
	RejectsPath string

	// Orchestration
	StepRetries    int
	StepRetryDelay time.Duration
	Schedule       string

	// Observability
	MetricsPort    string
	PushgatewayURL string
	LogLevel       string
}

// DatabaseURL はlib/pq向けの接続URLを組み立てる。
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.DBSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// defaultLookback は期間未指定時に遡る日数。
const defaultLookback = 7

// defaultWindow はnowの日付を終端とする直近1週間を返す。
func defaultWindow(now time.Time) (start, end string) {
	today := now.UTC().Truncate(24 * time.Hour)
	return daterange.FormatDate(today.AddDate(0, 0, -defaultLookback)), daterange.FormatDate(today)
}

// Window はnow時点で処理すべき期間を返す。
// 環境変数で明示された境界はそのまま、未指定の境界はnowから算出する。
func (c *Config) Window(now time.Time) (start, end string) {
	start, end = defaultWindow(now)
	if c.startFromEnv {
		start = c.StartDate
	}
	if c.endFromEnv {
		end = c.EndDate
	}
	return start, end
}

// Load は .env ファイルと環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合は *model.ConfigError を返す。
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	return load(time.Now().UTC())
}

// ENV_FILE が指定されていればそのファイルのみ、なければ .env を読む。
// 既存の環境変数は上書きしない。
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func load(now time.Time) (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := []struct {
		key string
		dst *string
	}{
		{"NYT_API_KEY", &cfg.APIKey},
		{"NYT_API_SECRET", &cfg.APISecret},
		{"NYT_API_ENDPOINT", &cfg.APIEndpoint},
		{"DB_HOST", &cfg.DBHost},
		{"DB_NAME", &cfg.DBName},
		{"DB_USER", &cfg.DBUser},
		{"DB_PASSWORD", &cfg.DBPassword},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	// Optional fields with defaults
	env := &envReader{}
	cfg.DBPort = env.getString("DB_PORT", "5432")
	cfg.DBSSLMode = env.getString("DB_SSLMODE", "disable")
	cfg.startFromEnv = os.Getenv("ETL_START_DATE") != ""
	cfg.endFromEnv = os.Getenv("ETL_END_DATE") != ""
	defaultStart, defaultEnd := defaultWindow(now)
	cfg.StartDate = env.getString("ETL_START_DATE", defaultStart)
	cfg.EndDate = env.getString("ETL_END_DATE", defaultEnd)
	cfg.StepDays = env.getInt("ETL_STEP_DAYS", 7)
	cfg.FetchDelay = env.getDuration("FETCH_DELAY", 12*time.Second)
	cfg.FetchTimeout = env.getDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = env.getInt64("FETCH_MAX_SIZE", 10485760)
	cfg.RawDataDir = env.getString("RAW_DATA_DIR", "raw_data")
	cfg.RejectsPath = env.getString("REJECTS_PATH", "rejected_records.csv")
	cfg.StepRetries = env.getInt("STEP_RETRIES", 1)
	cfg.StepRetryDelay = env.getDuration("STEP_RETRY_DELAY", 5*time.Minute)
	cfg.Schedule = env.getString("SCHEDULE", "@weekly")
	cfg.MetricsPort = env.getString("METRICS_PORT", "9090")
	cfg.PushgatewayURL = env.getString("PUSHGATEWAY_URL", "")
	cfg.LogLevel = env.getString("LOG_LEVEL", "info")

	invalid := append(env.invalid, cfg.validate()...)

	if len(missing) > 0 || len(invalid) > 0 {
		return nil, &model.ConfigError{Missing: missing, Invalid: invalid}
	}
	return cfg, nil
}

// validate は値の形式を検査し、不正なキーを "KEY: 理由" 形式で返す。
// start > end は空の処理として許容する。
func (c *Config) validate() []string {
	var invalid []string
	if _, err := daterange.ParseDate(c.StartDate); err != nil {
		invalid = append(invalid, "ETL_START_DATE: "+err.Error())
	}
	if _, err := daterange.ParseDate(c.EndDate); err != nil {
		invalid = append(invalid, "ETL_END_DATE: "+err.Error())
	}
	if c.StepDays <= 0 {
		invalid = append(invalid, fmt.Sprintf("ETL_STEP_DAYS: must be positive, got %d", c.StepDays))
	}
	if c.StepRetries < 0 {
		invalid = append(invalid, fmt.Sprintf("STEP_RETRIES: must not be negative, got %d", c.StepRetries))
	}
	if c.FetchDelay < 0 {
		invalid = append(invalid, "FETCH_DELAY: must not be negative")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		invalid = append(invalid, "LOG_LEVEL: "+err.Error())
	}
	return invalid
}

// envReader は任意の環境変数を読み、解釈できなかった値を "KEY: 理由" 形式で集める。
type envReader struct {
	invalid []string
}

func (r *envReader) fail(key string, err error) {
	r.invalid = append(r.invalid, key+": "+err.Error())
}

func (r *envReader) getString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (r *envReader) getInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return defaultVal
	}
	return i
}

func (r *envReader) getInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, err)
		return defaultVal
	}
	return i
}

func (r *envReader) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return defaultVal
	}
	return d
}
