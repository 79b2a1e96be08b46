// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxUploadBytes int64 // アップロードボディの最大サイズ（バイト）

	// ジョブレコードストア / 変更ストリーム設定
	RedisURL        string // ジョブレコード保存用Redis接続URL
	JobExpireHours  int    // ジョブレコードの保持期間（時間、0で無期限）
	TriggerGroup    string // 変更ストリームのコンシューマーグループ名
	TriggerConsumer string // コンシューマー名（プロセス識別用）

	// ワークフローキュー設定
	QueueRedisURL string // Asynq用Redis接続URL

	// ブロブストア設定
	MinioEndpoint  string // MinIOエンドポイント（host:port）
	MinioAccessKey string // MinIOアクセスキー
	MinioSecretKey string // MinIOシークレットキー
	MinioUseSSL    bool   // MinIO接続にTLSを使用するか
	BlobBucket     string // 原本・成果物を保存するバケット名

	// 取り込みフィールド設定
	DescriptionFields  []string // 職務記述書として認識するパート名（優先順）
	DefaultTargetTitle string   // targetTitle未指定時の既定値
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

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード制限
		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 10*1024*1024), // 10MB

		// ジョブレコードストア / 変更ストリーム設定
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireHours:  getEnvAsInt("JOB_EXPIRE_HOURS", 24),
		TriggerGroup:    getEnv("TRIGGER_GROUP", "pipeline-trigger"),
		TriggerConsumer: getEnv("TRIGGER_CONSUMER", "api-1"),

		// ワークフローキュー設定
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),

		// ブロブストア設定
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		BlobBucket:     getEnv("BLOB_BUCKET", "resume-forge-data"),

		// 取り込みフィールド設定
		DescriptionFields:  splitCSV(getEnv("DESCRIPTION_FIELDS", "manualJobDescription,jobDescription")),
		DefaultTargetTitle: getEnv("DEFAULT_TARGET_TITLE", "General Application"),
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
	// ローカル開発では既定値で動作する
	// 本番環境では接続先を明示させる
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.MinioEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required in release mode")
		}
		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required in release mode")
		}
		if c.BlobBucket == "" {
			return fmt.Errorf("BLOB_BUCKET is required in release mode")
		}
	}

	if len(c.DescriptionFields) == 0 {
		return fmt.Errorf("DESCRIPTION_FIELDS must name at least one field")
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitCSV(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
