package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/config"
	"github.com/hitoshi/waterfall/internal/database"
	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/reaction"
	"github.com/hitoshi/waterfall/internal/repository"
	"github.com/hitoshi/waterfall/internal/security"
	"github.com/hitoshi/waterfall/internal/source"
	"github.com/hitoshi/waterfall/internal/worker/reconcile"
)

// components はserve・worker・reconcileで共有する依存関係。
type components struct {
	db          *sql.DB
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	store       cache.Store
	invalidator *cache.Invalidator
	items       *repository.PostgresFeedItemRepo
	counters    *repository.PostgresCounterRepo
	ledger      *repository.PostgresLedgerRepo
	deadLetters *repository.PostgresDeadLetterRepo
	locker      *repository.PostgresJobLock
	guard       *security.Guard
	sanitizer   *security.TextSanitizer
	closers     []func()
}

// newComponents はDB接続を開き、リポジトリ・キャッシュ・メトリクスを初期化する。
func newComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	c := &components{
		db:          db,
		registry:    reg,
		metrics:     collector,
		items:       repository.NewPostgresFeedItemRepo(db),
		counters:    repository.NewPostgresCounterRepo(db),
		ledger:      repository.NewPostgresLedgerRepo(db),
		deadLetters: repository.NewPostgresDeadLetterRepo(db),
		locker:      repository.NewPostgresJobLock(db),
		guard:       security.NewGuard(),
		sanitizer:   security.NewTextSanitizer(),
	}
	c.closers = append(c.closers, func() { db.Close() })

	c.store = newCacheStore(cfg, logger)
	if closer, ok := c.store.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func() { closer.Close() })
	}
	c.invalidator = cache.NewInvalidator(c.store, cfg.CacheScanBatch, logger, collector)

	return c, nil
}

// newCacheStore はREDIS_ADDRが設定されていればRedis、なければインメモリの保存先を返す。
// Redisへの接続確認は行わない。キャッシュは正しさに関与しないため、停止中でも起動を続ける。
func newCacheStore(cfg *config.Config, logger *slog.Logger) cache.Store {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR is not set; using in-memory cache store")
		return cache.NewMemoryStore()
	}
	return cache.NewRedisStore(cache.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.CacheOpTimeout,
	})
}

// close は開いた資源を逆順に解放する。
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// connectJetStream はリアクションイベント用のJetStreamに接続する。
func (c *components) connectJetStream(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*reaction.JetStreamTransport, error) {
	transport, err := reaction.ConnectJetStream(ctx, reaction.JetStreamOptions{
		URL:        cfg.NATSURL,
		Stream:     cfg.ReactionStream,
		Subject:    cfg.ReactionSubject,
		Consumer:   cfg.ReactionConsumer,
		MaxDeliver: cfg.ReactionMaxDeliver,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.closers = append(c.closers, transport.Close)
	return transport, nil
}

// newReconcileJob はカウンタ整合ジョブを生成する。
func (c *components) newReconcileJob(cfg *config.Config, logger *slog.Logger) *reconcile.Job {
	return reconcile.NewJob(c.counters, c.ledger, c.locker, c.invalidator, reconcile.Config{
		Interval:        cfg.ReconcileInterval,
		BatchSize:       cfg.ReconcileBatchSize,
		CoarseThreshold: cfg.ReconcileCoarseThreshold,
	}, logger, c.metrics)
}

// newSourceRegistry はSOURCES_FILEから取り込み元を構築する。
// 取り込み元へのリクエストはプロセス全体でIMPORT_RATE_PER_MINに制限する。
func (c *components) newSourceRegistry(cfg *config.Config) (*source.Registry, error) {
	defs, err := source.LoadDefinitions(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.ImportRatePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.ImportRatePerMin)/60.0), 1)
	}
	return source.Build(defs, c.guard, source.Options{
		Timeout:      cfg.ImportTimeout,
		MaxBodyBytes: cfg.ImportMaxSize,
		Limiter:      limiter,
	})
}
