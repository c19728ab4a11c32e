package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/waterfall/internal/model"
)

// PostgresLedgerRepo はPostgreSQLを使用したReaction Ledgerリポジトリ。
type PostgresLedgerRepo struct {
	db *sql.DB
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
func NewPostgresLedgerRepo(db *sql.DB) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{db: db}
}

// Append はイベントをLedgerに記録する。event_idの重複は無視する。
func (r *PostgresLedgerRepo) Append(ctx context.Context, e *model.ReactionEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reactions (event_id, target_id, actor_id, reaction_type, operation, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.TargetID, e.ActorID, string(e.ReactionType), string(e.Operation), e.OccurredAt().UTC(),
	)
	if err != nil {
		return fmt.Errorf("リアクションの記録に失敗しました: %w", err)
	}
	return nil
}

// NetCounts はtarget_idごとにいいね・コレクションの正味件数を集計する。
func (r *PostgresLedgerRepo) NetCounts(ctx context.Context, itemIDs []int64) (map[int64]model.LedgerCounts, error) {
	counts := make(map[int64]model.LedgerCounts, len(itemIDs))
	if len(itemIDs) == 0 {
		return counts, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT target_id,
		        COALESCE(SUM(CASE WHEN reaction_type = 'like'
		                          THEN CASE WHEN operation = 'add' THEN 1 ELSE -1 END
		                          ELSE 0 END), 0) AS likes,
		        COALESCE(SUM(CASE WHEN reaction_type = 'favorite'
		                          THEN CASE WHEN operation = 'add' THEN 1 ELSE -1 END
		                          ELSE 0 END), 0) AS favorites
		 FROM reactions
		 WHERE target_id = ANY($1) AND reaction_type IN ('like', 'favorite')
		 GROUP BY target_id`,
		pq.Array(itemIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("リアクションの集計に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var c model.LedgerCounts
		if err := rows.Scan(&id, &c.Likes, &c.Favorites); err != nil {
			return nil, fmt.Errorf("集計行の読み取りに失敗しました: %w", err)
		}
		counts[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("集計結果の走査に失敗しました: %w", err)
	}
	return counts, nil
}
