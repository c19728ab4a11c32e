// Package importer は外部ソースからのアイテム取り込みを定期実行する。
// 取り込んだアイテムは審査待ちで保存され、承認されるまでフィードには出ない。
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/source"
)

// ItemImporter は取り込んだアイテムを保存するインターフェース。item.Serviceが実装する。
type ItemImporter interface {
	ImportItems(ctx context.Context, sourceName string, items []model.ImportedItem) (created, skipped int, err error)
}

// Config はスケジューラの設定パラメータ。
type Config struct {
	// Interval は取り込みの実行間隔（デフォルト: 1時間）。
	Interval time.Duration
	// MaxConcurrency は同時に取り込むソース数の上限（デフォルト: 4）。
	MaxConcurrency int
	// MaxTries は1ソースあたりの取得試行回数（デフォルト: 3）。
	MaxTries uint
	// RetryInterval は再試行の初回待ち時間（デフォルト: 2秒）。
	RetryInterval time.Duration
	// RandomSource がtrueの場合、1サイクルで無作為に選んだ1ソースだけを取り込む。
	RandomSource bool
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:       time.Hour,
		MaxConcurrency: 4,
		MaxTries:       3,
		RetryInterval:  2 * time.Second,
	}
}

// Summary は1ソースの取り込み結果。
type Summary struct {
	Source  string
	Fetched int
	Created int
	Skipped int
	Err     error
}

// Scheduler は登録済みソースからの取り込みを定期実行する。
// semaphoreパターンで同時に取り込むソース数を制限する。
type Scheduler struct {
	registry *source.Registry
	items    ItemImporter
	config   Config
	logger   *slog.Logger
	metrics  metrics.Recorder
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	registry *source.Registry,
	items ItemImporter,
	config Config,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Scheduler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.MaxTries == 0 {
		config.MaxTries = def.MaxTries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		registry: registry,
		items:    items,
		config:   config,
		logger:   logger,
		metrics:  rec,
	}
}

// Start はティッカーで取り込みを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	if s.registry.Len() == 0 {
		s.logger.Info("取り込み元が登録されていないため、取り込みスケジューラを起動しません")
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Int("sources", s.registry.Len()),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は対象ソースから1回取り込む。ソースごとの失敗は結果に含めて他のソースは続行する。
func (s *Scheduler) RunOnce(ctx context.Context) []Summary {
	start := time.Now()

	names := s.registry.Names()
	if s.config.RandomSource {
		src, ok := s.registry.Random()
		if !ok {
			return nil
		}
		names = []string{src.Name()}
	}

	summaries := make([]Summary, len(names))
	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-sem }()
			summaries[i] = s.RunSource(ctx, name)
		}(i, name)
	}
	wg.Wait()

	created, failed := 0, 0
	for _, sum := range summaries {
		created += sum.Created
		if sum.Err != nil {
			failed++
		}
	}
	s.logger.Info("取り込みサイクルが完了しました",
		slog.Int("sources", len(names)),
		slog.Int("created", created),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return summaries
}

// RunSource は指定ソースから1回取り込む。取得は一時的な失敗に限り再試行する。
func (s *Scheduler) RunSource(ctx context.Context, name string) Summary {
	sum := Summary{Source: name}
	src, ok := s.registry.Get(name)
	if !ok {
		sum.Err = fmt.Errorf("未登録の取り込み元です: %s", name)
		return sum
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInterval

	items, err := backoff.Retry(ctx, func() ([]model.ImportedItem, error) {
		items, err := src.Fetch(ctx, 0)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return items, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.config.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("取り込み元の取得に失敗しました。再試行します",
				slog.String("source", name),
				slog.Duration("retry_after", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		s.metrics.RecordImportFailure(name)
		s.logger.Error("取り込み元の取得に失敗しました",
			slog.String("source", name),
			slog.String("error", err.Error()),
		)
		sum.Err = err
		return sum
	}
	sum.Fetched = len(items)

	created, skipped, err := s.items.ImportItems(ctx, name, items)
	sum.Created, sum.Skipped = created, skipped
	if created > 0 {
		s.metrics.RecordItemsImported(name, created)
	}
	if err != nil {
		s.metrics.RecordImportFailure(name)
		s.logger.Error("取り込んだアイテムの保存に失敗しました",
			slog.String("source", name),
			slog.String("error", err.Error()),
		)
		sum.Err = err
	}
	return sum
}

// retryable は時間をおけば成功しうる取得失敗かどうかを返す。
// 4xxは設定の誤りとみなして再試行しない。
func retryable(err error) bool {
	var statusErr *source.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}
