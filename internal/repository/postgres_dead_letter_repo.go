package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/waterfall/internal/model"
)

// PostgresDeadLetterRepo はPostgreSQLを使用したデッドレターリポジトリ。
type PostgresDeadLetterRepo struct {
	db *sql.DB
}

// NewPostgresDeadLetterRepo はPostgresDeadLetterRepoを生成する。
func NewPostgresDeadLetterRepo(db *sql.DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db}
}

// Save はデッドレターを保存する。IDが空の場合は採番する。
// ペイロードはデコードできない場合もあるため、バイト列のまま保存する。
func (r *PostgresDeadLetterRepo) Save(ctx context.Context, dl *model.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reaction_dead_letters (id, payload, reason, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.Payload, dl.Reason, dl.Attempts, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("デッドレターの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan は保持期間を過ぎたデッドレターを削除する。
func (r *PostgresDeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM reaction_dead_letters WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("デッドレターの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
