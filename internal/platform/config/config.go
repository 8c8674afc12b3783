package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// データ保存先
	DataDir      string
	DatasetsFile string

	// スケジュール設定
	Schedule ScheduleConfig

	// ワークフロー設定
	Workflow WorkflowConfig

	// 同期・転送設定
	Sync SyncConfig

	// 履歴の保存先
	History HistoryConfig

	// Database設定（HISTORY_BACKEND=postgres の場合のみ使用）
	Database DatabaseConfig

	// ログ設定
	LogLevel  string
	LogFormat string
}

// ScheduleConfig はジョブの実行時刻設定
type ScheduleConfig struct {
	Timezone          string
	DatasetUpdateTime string // HH:MM
	WorkflowTime      string // HH:MM
}

// WorkflowConfig は後続ワークフローの実行設定
type WorkflowConfig struct {
	Executable string
	Args       []string
	Dir        string
	// Env はワークフロープロセスに追加する環境変数
	Env        map[string]string
	LogDir     string
	MaxRetries int
	RetryDelay time.Duration
}

// SyncConfig は同期処理と転送の設定
type SyncConfig struct {
	Concurrency      int
	FTPWorkers       int
	DownloadAttempts int
	RetryDelay       time.Duration
	ConnectTimeout   time.Duration
	UserAgent        string
}

// HistoryConfig は同期履歴の保存先設定
type HistoryConfig struct {
	Backend string // "file" or "postgres"
	File    string
	Limit   int
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Location は Schedule.Timezone を解決します
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	dataDir := getEnv("DATA_DIR", "./data")

	cfg := &Config{
		DataDir:      dataDir,
		DatasetsFile: getEnv("DATASETS_FILE", "./datasets.yaml"),
		Schedule: ScheduleConfig{
			Timezone:          getEnv("TIMEZONE", "America/Los_Angeles"),
			DatasetUpdateTime: getEnv("DATASET_UPDATE_TIME", "22:00"),
			WorkflowTime:      getEnv("WORKFLOW_TIME", "23:45"),
		},
		Workflow: WorkflowConfig{
			Executable: getEnv("WORKFLOW_EXECUTABLE", ""),
			Args:       getEnvAsList("WORKFLOW_ARGS", nil),
			Dir:        getEnv("WORKFLOW_DIR", ""),
			Env:        getEnvAsMap("WORKFLOW_ENV"),
			LogDir:     getEnv("WORKFLOW_LOG_DIR", filepath.Join(dataDir, "logs")),
			MaxRetries: getEnvAsInt("MAX_WORKFLOW_RETRIES", 5),
			RetryDelay: getEnvAsDuration("WORKFLOW_RETRY_DELAY", 5*time.Minute),
		},
		Sync: SyncConfig{
			Concurrency:      getEnvAsInt("SYNC_CONCURRENCY", 5),
			FTPWorkers:       getEnvAsInt("FTP_WORKERS", 3),
			DownloadAttempts: getEnvAsInt("DOWNLOAD_ATTEMPTS", 3),
			RetryDelay:       getEnvAsDuration("DOWNLOAD_RETRY_DELAY", 5*time.Second),
			ConnectTimeout:   getEnvAsDuration("HTTP_CONNECT_TIMEOUT", 60*time.Second),
			UserAgent:        getEnv("HTTP_USER_AGENT", "dataset-sync/1.0"),
		},
		History: HistoryConfig{
			Backend: getEnv("HISTORY_BACKEND", "file"),
			File:    getEnv("HISTORY_FILE", filepath.Join(dataDir, "update_history.json")),
			Limit:   getEnvAsInt("HISTORY_LIMIT", 1000),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "datasetsync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "datasetsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.History.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown HISTORY_BACKEND %q", c.History.Backend)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive")
	}
	if c.Sync.FTPWorkers <= 0 {
		return fmt.Errorf("FTP_WORKERS must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("MAX_WORKFLOW_RETRIES must not be negative")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
// 単位のない数値は秒として扱います
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsMap は "KEY=VALUE" を空白区切りで並べた環境変数をマップとして取得します
// "=" を含まない要素は無視します
func getEnvAsMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range getEnvAsList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// getEnvAsList は空白区切りの環境変数をスライスとして取得します
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	return strings.Fields(valueStr)
}
