package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/config"
	"github.com/hitoshi/waterfall/internal/database"
	"github.com/hitoshi/waterfall/internal/feed"
	"github.com/hitoshi/waterfall/internal/handler"
	"github.com/hitoshi/waterfall/internal/item"
	"github.com/hitoshi/waterfall/internal/logger"
	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/reaction"
	"github.com/hitoshi/waterfall/internal/worker/cleanup"
	"github.com/hitoshi/waterfall/internal/worker/importer"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandReconcile:
		return runReconcile(cfg, args)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	c, err := newComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	transport, err := c.connectJetStream(ctx, cfg, log)
	if err != nil {
		return err
	}

	// フィード
	feedCache := cache.New(c.store, cfg.CacheOpTimeout, log, c.metrics)
	engine := feed.NewEngine(c.items, feedCache, feed.Options{
		DefaultPageSize: cfg.FeedDefaultPageSize,
		MaxPageSize:     cfg.FeedMaxPageSize,
		FirstPageTTL:    cfg.CacheFirstPageTTL,
		MorePageTTL:     cfg.CacheMorePageTTL,
		CountTTL:        cfg.CacheCountTTL,
		QueryTimeout:    cfg.QueryTimeout,
	}, log, c.metrics)

	// アイテム変更
	itemService := item.NewService(c.items, c.invalidator, c.guard, c.sanitizer, item.Options{
		AutoApprove:     cfg.UploadAutoApprove,
		ImporterOwnerID: cfg.ImporterOwnerID,
	}, log)

	// リアクション
	publisher := reaction.NewPublisher(transport, reaction.PublisherOptions{
		MaxTries: uint(max(cfg.PublishMaxTries, 0)),
	}, log)
	reactionService := reaction.NewService(c.items, c.ledger, publisher, log, c.metrics)

	// 管理操作
	reconcileJob := c.newReconcileJob(cfg, log)

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitReaction),
	)
	defer rateLimiter.Stop()

	checks := map[string]handler.ComponentChecker{
		"nats": handler.ComponentCheckerFunc(func(context.Context) error { return transport.Ping() }),
	}
	if pinger, ok := c.store.(handler.ComponentChecker); ok && cfg.RedisAddr != "" {
		checks["redis"] = pinger
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           c.metrics,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		AdminToken:        cfg.AdminToken,

		HealthChecker:  c.db,
		Components:     checks,
		MetricsHandler: metrics.Handler(c.registry),

		FeedPager:   engine,
		ItemService: itemService,
		Reactor:     reactionService,
		Reconciler:  reconcileJob,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// リアクションの消費・カウンタ整合・外部ソースの取り込み・デッドレター削除を並行に実行する。
// SIGINTまたはSIGTERMシグナルを受信するとすべて停止してから戻る。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	c, err := newComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	transport, err := c.connectJetStream(ctx, cfg, log)
	if err != nil {
		return err
	}

	// 1. リアクション消費
	consumer := reaction.NewConsumer(
		c.counters, c.deadLetters, transport, c.invalidator,
		cache.NewViewThreshold(cfg.ViewInvalidationThreshold),
		reaction.ConsumerOptions{
			MaxDeliver: cfg.ReactionMaxDeliver,
			BaseDelay:  cfg.ReactionBackoff,
			Workers:    cfg.ReactionWorkers,
		},
		log, c.metrics,
	)

	// 2. カウンタ整合
	reconcileJob := c.newReconcileJob(cfg, log)

	// 3. 外部ソースの取り込み
	registry, err := c.newSourceRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to load import sources: %w", err)
	}
	itemService := item.NewService(c.items, c.invalidator, c.guard, c.sanitizer, item.Options{
		AutoApprove:     cfg.UploadAutoApprove,
		ImporterOwnerID: cfg.ImporterOwnerID,
	}, log)
	scheduler := importer.NewScheduler(registry, itemService, importer.Config{
		Interval:     cfg.ImportInterval,
		RandomSource: cfg.ImportRandomSource,
	}, log, c.metrics)

	// 4. デッドレター削除
	cleanupJob := cleanup.NewCleanupJob(c.deadLetters, log)
	cleanupJob.RetentionDays = cfg.DeadLetterRetentionDays

	// 5. メトリクス公開
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metrics.SetupMetricsRoute(c.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Int("reaction_workers", cfg.ReactionWorkers),
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Duration("import_interval", cfg.ImportInterval),
		slog.Int("sources", registry.Len()),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		reconcileJob.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		// 起動直後に1回実行（エラーはRun内でログ出力済み）
		_, _ = cleanupJob.Run(ctx)
		cleanupJob.Start(ctx, 24*time.Hour)
	}()

	// リアクション消費をメインgoroutineで実行（ブロッキング）
	consumeErr := consumer.Run(ctx, transport)
	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker metrics server shutdown failed", slog.String("error", err.Error()))
	}

	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		return fmt.Errorf("reaction consumer stopped: %w", consumeErr)
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("from_version", uint64(result.From)),
		slog.Uint64("to_version", uint64(result.To)),
		slog.Bool("applied", result.Applied),
	)
	return nil
}

// runReconcile はカウンタ整合を1回だけ実行する。
// 引数にアイテムIDを指定した場合はそのアイテムだけを整合する。
func runReconcile(cfg *config.Config, args []string) error {
	itemID, err := parseReconcileTarget(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()
	c, err := newComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	job := c.newReconcileJob(cfg, log)

	if itemID > 0 {
		result, err := job.ReconcileItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("reconcile item %d failed: %w", itemID, err)
		}
		slog.Info("item reconciled",
			slog.Int64("item_id", itemID),
			slog.Int("corrected", result.Corrected),
		)
		return nil
	}

	result, err := job.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	slog.Info("reconcile completed",
		slog.Int("scanned", result.Scanned),
		slog.Int("corrected", result.Corrected),
		slog.Bool("coarse", result.Coarse),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
