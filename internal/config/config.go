// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キャッシュのバックエンド種別です。
const (
	CacheBackendMemory   = "memory"
	CacheBackendRedis    = "redis"
	CacheBackendPostgres = "postgres"
)

// キャッシュ書き込みの実行方式です。
const (
	RecordModeDirect = "direct"
	RecordModeQueue  = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // BFFサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret        string // セッション署名用の秘密鍵
	SessionEncryptionKey string // セッション暗号化鍵（16/24/32バイト、任意）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 変換APIの設定
	APIBaseURL     string        // 変換APIのベースURL
	APITimeout     time.Duration // 1リクエストあたりのタイムアウト
	APIRateLimit   float64       // 変換APIへの秒間リクエスト数上限（0以下で無制限）
	APIRateBurst   int
	TranscriptLang string // 文字起こしのデフォルト言語

	// ポーリング設定
	PollInterval           time.Duration // 進捗ポーリング間隔
	ResultMaxRetries       int           // 結果未確定（202）時の再試行回数
	ResultInitialWait      time.Duration
	ResultMaxWait          time.Duration
	ResultErrorMaxRetries  int           // その他のエラー時の再試行回数
	SessionIdleTimeout     time.Duration // アイドル状態のポーラーを破棄するまでの時間
	SessionCleanupInterval time.Duration

	// キャッシュ設定
	CacheBackend  string // memory, redis, postgres
	CacheRedisURL string // Redisキャッシュ接続URL
	DatabaseURL   string // Postgres接続URL

	// キャッシュ書き込みキュー設定
	RecordMode    string // direct, queue
	QueueRedisURL string // Asynq用Redis接続URL
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// セッション設定
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		SessionEncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 変換APIの設定
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:3000"),
		APITimeout:     getEnvAsDuration("API_TIMEOUT", 60*time.Second),
		APIRateLimit:   getEnvAsFloat("API_RATE_LIMIT", 5),
		APIRateBurst:   getEnvAsInt("API_RATE_BURST", 10),
		TranscriptLang: getEnv("TRANSCRIPT_LANG", "tr"),

		// ポーリング設定
		PollInterval:           getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		ResultMaxRetries:       getEnvAsInt("RESULT_MAX_RETRIES", 8),
		ResultInitialWait:      getEnvAsDuration("RESULT_INITIAL_WAIT", time.Second),
		ResultMaxWait:          getEnvAsDuration("RESULT_MAX_WAIT", 10*time.Second),
		ResultErrorMaxRetries:  getEnvAsInt("RESULT_ERROR_MAX_RETRIES", 2),
		SessionIdleTimeout:     getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionCleanupInterval: getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),

		// キャッシュ設定
		CacheBackend:  strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendMemory)),
		CacheRedisURL: getEnv("CACHE_REDIS_URL", "redis://127.0.0.1:6379/1"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		// キャッシュ書き込みキュー設定
		RecordMode:    strings.ToLower(getEnv("RECORD_MODE", RecordModeDirect)),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendRedis:
	case CacheBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CACHE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND: %s", c.CacheBackend)
	}

	switch c.RecordMode {
	case RecordModeDirect:
	case RecordModeQueue:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when RECORD_MODE=queue")
		}
	default:
		return fmt.Errorf("unsupported RECORD_MODE: %s", c.RecordMode)
	}

	if n := len(c.SessionEncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("SESSION_ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
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

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。
// "5s" のような書式のほか、単位なしの数値はミリ秒として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
