package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	QueryTimeout      time.Duration

	// Cache（RedisAddrが空の場合はインメモリ）
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	CacheOpTimeout            time.Duration
	CacheFirstPageTTL         time.Duration
	CacheMorePageTTL          time.Duration
	CacheCountTTL             time.Duration
	CacheScanBatch            int
	ViewInvalidationThreshold int

	// Feed
	FeedDefaultPageSize int
	FeedMaxPageSize     int

	// Reaction pipeline
	NATSURL            string
	ReactionStream     string
	ReactionSubject    string
	ReactionConsumer   string
	ReactionWorkers    int
	ReactionMaxDeliver int
	ReactionBackoff    time.Duration
	PublishMaxTries    int

	// Reconciliation
	ReconcileInterval        time.Duration
	ReconcileBatchSize       int
	ReconcileCoarseThreshold int

	// Items
	UploadAutoApprove bool
	ImporterOwnerID   int64

	// Importer
	SourcesFile        string
	ImportInterval     time.Duration
	ImportTimeout      time.Duration
	ImportMaxSize      int64
	ImportRatePerMin   int
	ImportRandomSource bool

	// Cleanup
	DeadLetterRetentionDays int

	// Rate Limit（req/min）
	RateLimitGeneral  int
	RateLimitReaction int

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	WorkerMetricsPort string
	AdminToken        string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	if cfg.NATSURL == "" {
		missing = append(missing, "NATS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.QueryTimeout = getEnvDuration("QUERY_TIMEOUT", 5*time.Second)

	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.CacheOpTimeout = getEnvDuration("CACHE_OP_TIMEOUT", 200*time.Millisecond)
	cfg.CacheFirstPageTTL = getEnvDuration("CACHE_FIRST_PAGE_TTL", 30*time.Minute)
	cfg.CacheMorePageTTL = getEnvDuration("CACHE_MORE_PAGE_TTL", 5*time.Minute)
	cfg.CacheCountTTL = getEnvDuration("CACHE_COUNT_TTL", 30*time.Minute)
	cfg.CacheScanBatch = getEnvInt("CACHE_SCAN_BATCH", 500)
	cfg.ViewInvalidationThreshold = getEnvInt("VIEW_INVALIDATION_THRESHOLD", 5)

	cfg.FeedDefaultPageSize = getEnvInt("FEED_DEFAULT_PAGE_SIZE", 30)
	cfg.FeedMaxPageSize = getEnvInt("FEED_MAX_PAGE_SIZE", 100)

	cfg.ReactionStream = getEnvString("REACTION_STREAM", "REACTIONS")
	cfg.ReactionSubject = getEnvString("REACTION_SUBJECT", "reactions.events")
	cfg.ReactionConsumer = getEnvString("REACTION_CONSUMER", "counter-applier")
	cfg.ReactionWorkers = getEnvInt("REACTION_WORKERS", 4)
	cfg.ReactionMaxDeliver = getEnvInt("REACTION_MAX_DELIVER", 5)
	cfg.ReactionBackoff = getEnvDuration("REACTION_BACKOFF", time.Second)
	cfg.PublishMaxTries = getEnvInt("PUBLISH_MAX_TRIES", 3)

	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 24*time.Hour)
	cfg.ReconcileBatchSize = getEnvInt("RECONCILE_BATCH_SIZE", 500)
	cfg.ReconcileCoarseThreshold = getEnvInt("RECONCILE_COARSE_THRESHOLD", 50)

	cfg.UploadAutoApprove = getEnvBool("UPLOAD_AUTO_APPROVE", false)
	cfg.ImporterOwnerID = getEnvInt64("IMPORTER_OWNER_ID", 1)

	cfg.SourcesFile = getEnvString("SOURCES_FILE", "")
	cfg.ImportInterval = getEnvDuration("IMPORT_INTERVAL", time.Hour)
	cfg.ImportTimeout = getEnvDuration("IMPORT_TIMEOUT", 10*time.Second)
	cfg.ImportMaxSize = getEnvInt64("IMPORT_MAX_SIZE", 5<<20)
	cfg.ImportRatePerMin = getEnvInt("IMPORT_RATE_PER_MIN", 30)
	cfg.ImportRandomSource = getEnvBool("IMPORT_RANDOM_SOURCE", false)

	cfg.DeadLetterRetentionDays = getEnvInt("DEADLETTER_RETENTION_DAYS", 30)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReaction = getEnvInt("RATE_LIMIT_REACTION", 60)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9091")
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
