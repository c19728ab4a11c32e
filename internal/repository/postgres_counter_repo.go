package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/waterfall/internal/model"
)

// incrementAttempts は加算と丸めの間で他の更新と競合した場合の再試行回数。
const incrementAttempts = 3

// PostgresCounterRepo はPostgreSQLを使用したカウンタリポジトリ。
// カウンタの更新はすべて単一のUPDATE文で行い、アプリケーション側での読み取り→書き込みはしない。
type PostgresCounterRepo struct {
	db *sql.DB
}

// NewPostgresCounterRepo はPostgresCounterRepoを生成する。
func NewPostgresCounterRepo(db *sql.DB) *PostgresCounterRepo {
	return &PostgresCounterRepo{db: db}
}

// IncrementCounter はカウンタに差分を原子的に加算する。
//
// まず結果が0以上になる場合のみ加算し、該当行がなければ0への丸めを試みる。
// どちらも該当しない場合は、間に他の更新が入ったか、アイテムが存在しないかのいずれか。
func (r *PostgresCounterRepo) IncrementCounter(ctx context.Context, itemID int64, counter model.CounterKind, delta int64) (int64, bool, error) {
	col := counter.Column()
	if col == "" {
		return 0, false, fmt.Errorf("unknown counter %q", counter)
	}

	incr := fmt.Sprintf(
		`UPDATE feed_items SET %[1]s = %[1]s + $2 WHERE id = $1 AND %[1]s + $2 >= 0 RETURNING %[1]s`,
		col,
	)
	clamp := fmt.Sprintf(
		`UPDATE feed_items SET %[1]s = 0 WHERE id = $1 AND %[1]s + $2 < 0 RETURNING %[1]s`,
		col,
	)

	for attempt := 0; attempt < incrementAttempts; attempt++ {
		var value int64
		err := r.db.QueryRowContext(ctx, incr, itemID, delta).Scan(&value)
		if err == nil {
			return value, false, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("カウンタの更新に失敗しました: %w", err)
		}

		err = r.db.QueryRowContext(ctx, clamp, itemID, delta).Scan(&value)
		if err == nil {
			return value, true, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("カウンタの丸めに失敗しました: %w", err)
		}

		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM feed_items WHERE id = $1)`, itemID,
		).Scan(&exists); err != nil {
			return 0, false, fmt.Errorf("アイテムの存在確認に失敗しました: %w", err)
		}
		if !exists {
			return 0, false, model.ErrItemNotFound
		}
	}
	return 0, false, fmt.Errorf("カウンタの更新が競合しました: item_id=%d counter=%s", itemID, counter)
}

// ListCounterSnapshots はid昇順でカウンタを取得する。論理削除済みのアイテムも含む。
func (r *PostgresCounterRepo) ListCounterSnapshots(ctx context.Context, afterID int64, limit int) ([]model.CounterSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, like_count, collection_count
		 FROM feed_items
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("カウンタの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var snaps []model.CounterSnapshot
	for rows.Next() {
		var s model.CounterSnapshot
		if err := rows.Scan(&s.ItemID, &s.LikeCount, &s.CollectionCount); err != nil {
			return nil, fmt.Errorf("カウンタ行の読み取りに失敗しました: %w", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カウンタの走査に失敗しました: %w", err)
	}
	return snaps, nil
}
