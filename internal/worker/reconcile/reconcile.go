// Package reconcile は実体化カウンタをReaction Ledgerと突き合わせて補正するジョブを提供する。
// いいねとコレクションのみが対象で、閲覧数は補正しない。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/repository"
)

// LockKey はプロセス間排他に使うアドバイザリロックのキー。
const LockKey int64 = 0x77665f72656331 // "wf_rec1"

// Invalidator はキャッシュ無効化のインターフェース。
type Invalidator interface {
	Invalidate(ctx context.Context, m cache.Mutation) (int, error)
}

// Config はジョブの設定パラメータ。環境変数から設定可能。
type Config struct {
	// Interval は定期実行の間隔（デフォルト: 24時間）。
	Interval time.Duration
	// BatchSize は1回に突き合わせるアイテム数（デフォルト: 500）。
	BatchSize int
	// CoarseThreshold を超える件数を補正した場合、
	// バッチごとの無効化を止めて完了時に一括無効化する（デフォルト: 100）。
	CoarseThreshold int
	// RunOnStart がtrueの場合、Start直後に1回実行する。
	RunOnStart bool
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:        24 * time.Hour,
		BatchSize:       500,
		CoarseThreshold: 100,
	}
}

// Correction は1件のカウンタ補正。
type Correction struct {
	ItemID  int64             `json:"itemId"`
	Counter model.CounterKind `json:"counter"`
	From    int64             `json:"from"`
	To      int64             `json:"to"`
}

// Result は1回の実行結果。
type Result struct {
	Scanned     int           `json:"scanned"`
	Corrected   int           `json:"corrected"`
	Corrections []Correction  `json:"corrections"`
	Coarse      bool          `json:"coarse"`
	Duration    time.Duration `json:"-"`
}

// Job はカウンタ整合ジョブ。
// 同一プロセス内ではatomicフラグ、プロセス間ではアドバイザリロックで多重実行を防ぐ。
type Job struct {
	counters    repository.CounterRepository
	ledger      repository.LedgerRepository
	locker      repository.JobLocker
	invalidator Invalidator
	config      Config
	logger      *slog.Logger
	metrics     metrics.Recorder
	running     atomic.Bool
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(
	counters repository.CounterRepository,
	ledger repository.LedgerRepository,
	locker repository.JobLocker,
	invalidator Invalidator,
	config Config,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Job {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.CoarseThreshold <= 0 {
		config.CoarseThreshold = def.CoarseThreshold
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Job{
		counters:    counters,
		ledger:      ledger,
		locker:      locker,
		invalidator: invalidator,
		config:      config,
		logger:      logger,
		metrics:     rec,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("カウンタ整合ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("batch_size", j.config.BatchSize),
	)

	if j.config.RunOnStart {
		j.runLogged(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("カウンタ整合ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("カウンタ整合ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は全アイテムを1回突き合わせる。
// 実行中の場合はmodel.ErrJobRunningを返す。
func (j *Job) RunOnce(ctx context.Context) (*Result, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, model.ErrJobRunning
	}
	defer j.running.Store(false)
	return j.runLocked(ctx)
}

// RunInBackground は全件の突き合わせを別goroutineで開始する。
// 実行中の判定は同期的に行い、実行中ならmodel.ErrJobRunningを返す。
func (j *Job) RunInBackground(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		return model.ErrJobRunning
	}
	go func() {
		defer j.running.Store(false)
		if _, err := j.runLocked(ctx); err != nil {
			j.logger.Error("カウンタ整合ジョブの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Running は同一プロセス内でジョブが実行中かどうかを返す。
func (j *Job) Running() bool {
	return j.running.Load()
}

// ReconcileItem は1件のアイテムだけを突き合わせて補正する。
// 全件ジョブと同じ排他を取るため、実行中はmodel.ErrJobRunningを返す。
func (j *Job) ReconcileItem(ctx context.Context, itemID int64) (*Result, error) {
	if itemID <= 0 {
		return nil, model.NewInvalidParameterError("id", fmt.Sprint(itemID))
	}
	if !j.running.CompareAndSwap(false, true) {
		return nil, model.ErrJobRunning
	}
	defer j.running.Store(false)

	release, err := j.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	snaps, err := j.counters.ListCounterSnapshots(ctx, itemID-1, 1)
	if err != nil {
		return nil, fmt.Errorf("カウンタの取得に失敗: %w", err)
	}
	if len(snaps) == 0 || snaps[0].ItemID != itemID {
		return nil, model.NewItemNotFoundError(itemID)
	}

	result := &Result{}
	if err := j.reconcileBatch(ctx, snaps, result, true); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	j.logger.Info("アイテムのカウンタを突き合わせました",
		slog.Int64("item_id", itemID),
		slog.Int("corrected", result.Corrected),
	)
	return result, nil
}

// runLocked はプロセス内フラグを取得済みの状態で全件を突き合わせる。
func (j *Job) runLocked(ctx context.Context) (*Result, error) {
	release, err := j.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	result := &Result{}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		snaps, err := j.counters.ListCounterSnapshots(ctx, afterID, j.config.BatchSize)
		if err != nil {
			return result, fmt.Errorf("カウンタの取得に失敗: %w", err)
		}
		if len(snaps) == 0 {
			break
		}

		// 閾値を超えるまではバッチごとに狭い無効化を行う
		narrow := result.Corrected <= j.config.CoarseThreshold
		if err := j.reconcileBatch(ctx, snaps, result, narrow); err != nil {
			return result, err
		}

		afterID = snaps[len(snaps)-1].ItemID
		if len(snaps) < j.config.BatchSize {
			break
		}
	}

	if result.Corrected > j.config.CoarseThreshold {
		result.Coarse = true
		j.invalidate(ctx, cache.Mutation{Reason: cache.ReasonCounterSweep})
	}

	result.Duration = time.Since(start)
	j.metrics.RecordReconcileRun(result.Duration, result.Corrected)
	j.logger.Info("カウンタ整合ジョブが完了しました",
		slog.Int("scanned", result.Scanned),
		slog.Int("corrected", result.Corrected),
		slog.Bool("coarse_invalidation", result.Coarse),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)
	return result, nil
}

// reconcileBatch はスナップショットをLedgerの正味件数と比較し、差分を加算で補正する。
// 読み取りと補正の間に反映されたイベントを消さないよう、値の上書きではなく差分を使う。
func (j *Job) reconcileBatch(ctx context.Context, snaps []model.CounterSnapshot, result *Result, narrow bool) error {
	ids := make([]int64, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ItemID
	}
	counts, err := j.ledger.NetCounts(ctx, ids)
	if err != nil {
		return fmt.Errorf("Ledgerの集計に失敗: %w", err)
	}

	touched := map[model.CounterKind]bool{}
	for _, s := range snaps {
		result.Scanned++
		ledger := counts[s.ItemID]

		fixes := []struct {
			kind    model.CounterKind
			current int64
			target  int64
		}{
			{model.CounterLikes, s.LikeCount, max(ledger.Likes, 0)},
			{model.CounterCollections, s.CollectionCount, max(ledger.Favorites, 0)},
		}
		for _, f := range fixes {
			diff := f.target - f.current
			if diff == 0 {
				continue
			}
			value, _, err := j.counters.IncrementCounter(ctx, s.ItemID, f.kind, diff)
			if err != nil {
				j.logger.Warn("カウンタの補正に失敗しました",
					slog.Int64("item_id", s.ItemID),
					slog.String("counter", string(f.kind)),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.Corrected++
			result.Corrections = append(result.Corrections, Correction{
				ItemID:  s.ItemID,
				Counter: f.kind,
				From:    f.current,
				To:      value,
			})
			touched[f.kind] = true
			j.logger.Info("カウンタを補正しました",
				slog.Int64("item_id", s.ItemID),
				slog.String("counter", string(f.kind)),
				slog.Int64("from", f.current),
				slog.Int64("to", value),
			)
		}
	}

	if !narrow {
		return nil
	}
	for _, kind := range []model.CounterKind{model.CounterLikes, model.CounterCollections} {
		if touched[kind] {
			j.invalidate(ctx, cache.Mutation{Reason: cache.ReasonForCounter(kind)})
		}
	}
	return nil
}

// lock はプロセス間のアドバイザリロックを取得する。lockerが未設定の場合は何もしない。
func (j *Job) lock(ctx context.Context) (func(), error) {
	if j.locker == nil {
		return func() {}, nil
	}
	release, ok, err := j.locker.TryLock(ctx, LockKey)
	if err != nil {
		return nil, fmt.Errorf("ジョブロックの取得に失敗: %w", err)
	}
	if !ok {
		return nil, model.ErrJobRunning
	}
	return release, nil
}

// invalidate はキャッシュを無効化する。失敗はTTLで解消されるためログのみ残す。
func (j *Job) invalidate(ctx context.Context, m cache.Mutation) {
	if j.invalidator == nil {
		return
	}
	if _, err := j.invalidator.Invalidate(ctx, m); err != nil {
		j.logger.Warn("キャッシュの無効化に失敗しました",
			slog.String("reason", string(m.Reason)),
			slog.String("error", err.Error()),
		)
	}
}
