// Package cleanup はデッドレターの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したデッドレターを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeadLetterPurger は保持期間を過ぎたデッドレターを削除するインターフェース。
// repository.DeadLetterRepositoryが実装する。
type DeadLetterPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したデッドレターの削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	deadLetters   DeadLetterPurger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // デッドレターの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(deadLetters DeadLetterPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		deadLetters:   deadLetters,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("デッドレタークリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("デッドレタークリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			// エラーはRun内でログ出力済み
			_, _ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過したデッドレターを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.deadLetters.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("デッドレタークリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("デッドレタークリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("デッドレタークリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return deletedCount, nil
}
