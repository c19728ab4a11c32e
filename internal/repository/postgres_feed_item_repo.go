package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/waterfall/internal/model"
)

// PostgresFeedItemRepo はPostgreSQLを使用したアイテムリポジトリ。
type PostgresFeedItemRepo struct {
	db *sql.DB
}

// NewPostgresFeedItemRepo はPostgresFeedItemRepoを生成する。
func NewPostgresFeedItemRepo(db *sql.DB) *PostgresFeedItemRepo {
	return &PostgresFeedItemRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanFeedItem はfeedItemColumnsの順で1行を読み取る。
func scanFeedItem(s rowScanner) (*model.FeedItem, error) {
	item := &model.FeedItem{}
	var categoryID sql.NullInt64
	var description, sourceName, sourceRef sql.NullString
	var status string
	var tagIDs pq.Int64Array

	if err := s.Scan(
		&item.ID, &item.OwnerID, &categoryID, &item.Title, &description, &item.ImageURL,
		&item.Format, &item.Width, &item.Height, &status, &item.IsDeleted,
		&item.ViewCount, &item.LikeCount, &item.CollectionCount,
		&sourceName, &sourceRef, &item.CreatedAt, &item.UpdatedAt,
		&tagIDs,
	); err != nil {
		return nil, err
	}

	item.CategoryID = categoryID.Int64
	item.Description = nullStringValue(description)
	item.SourceName = nullStringValue(sourceName)
	item.SourceRef = nullStringValue(sourceRef)
	item.Status = model.ItemStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if len(tagIDs) > 0 {
		item.TagIDs = []int64(tagIDs)
	}
	return item, nil
}

// ListPage はキーセットページネーションで1ページ分のアイテムを取得する。
func (r *PostgresFeedItemRepo) ListPage(ctx context.Context, q model.FeedQuery, limit int) ([]*model.FeedItem, error) {
	query, args := buildListQuery(q, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	items := make([]*model.FeedItem, 0, limit)
	for rows.Next() {
		item, err := scanFeedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("アイテム行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードの走査に失敗しました: %w", err)
	}
	return items, nil
}

// Count はフィルタに一致する表示可能なアイテム数を返す。
func (r *PostgresFeedItemRepo) Count(ctx context.Context, f model.FeedFilter) (int, error) {
	query, args := buildCountQuery(f)

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("アイテム数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CursorItemVisible はカーソルが指すアイテムが存在し、承認済みかつ未削除かを返す。
func (r *PostgresFeedItemRepo) CursorItemVisible(ctx context.Context, itemID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feed_items WHERE id = $1 AND status = 'approved' AND is_deleted = false)`,
		itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("カーソルの検証に失敗しました: %w", err)
	}
	return exists, nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedItemRepo) FindByID(ctx context.Context, id int64) (*model.FeedItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedItemColumns+` FROM feed_items i WHERE i.id = $1`,
		id,
	)
	item, err := scanFeedItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// Create はアイテムとタグを作成する。
// created_atはミリ秒精度に切り詰め、カーソルのlastValueと完全に一致させる。
func (r *PostgresFeedItemRepo) Create(ctx context.Context, item *model.FeedItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	} else {
		item.CreatedAt = item.CreatedAt.UTC().Truncate(time.Millisecond)
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = model.ItemStatusPending
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO feed_items (owner_id, category_id, title, description, image_url,
		                         format, width, height, status, source_name, source_ref,
		                         created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		item.OwnerID, nullInt64(item.CategoryID), item.Title, item.Description, item.ImageURL,
		item.Format, item.Width, item.Height, string(item.Status),
		nullString(item.SourceName), nullString(item.SourceRef),
		item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}

	if err := replaceTags(ctx, tx, item.ID, item.TagIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Update はアイテムの編集可能な属性とタグを更新する。
func (r *PostgresFeedItemRepo) Update(ctx context.Context, item *model.FeedItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	item.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	result, err := tx.ExecContext(ctx,
		`UPDATE feed_items
		 SET category_id = $1, title = $2, description = $3, format = $4,
		     width = $5, height = $6, updated_at = $7
		 WHERE id = $8`,
		nullInt64(item.CategoryID), item.Title, item.Description, item.Format,
		item.Width, item.Height, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("アイテムの更新に失敗しました: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrItemNotFound
	}

	if err := replaceTags(ctx, tx, item.ID, item.TagIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// replaceTags はアイテムのタグを指定の集合で置き換える。
func replaceTags(ctx context.Context, tx *sql.Tx, itemID int64, tagIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_item_tags WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("タグの削除に失敗しました: %w", err)
	}
	if len(tagIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO feed_item_tags (item_id, tag_id)
		 SELECT $1, t FROM unnest($2::bigint[]) AS t
		 ON CONFLICT DO NOTHING`,
		itemID, pq.Array(tagIDs),
	)
	if err != nil {
		return fmt.Errorf("タグの登録に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus はモデレーション状態を更新する。
func (r *PostgresFeedItemRepo) UpdateStatus(ctx context.Context, id int64, status model.ItemStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feed_items SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC().Truncate(time.Millisecond), id,
	)
	if err != nil {
		return fmt.Errorf("状態の更新に失敗しました: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrItemNotFound
	}
	return nil
}

// MarkDeleted はアイテムを論理削除する。物理削除はLedgerの参照を壊すため行わない。
func (r *PostgresFeedItemRepo) MarkDeleted(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feed_items SET is_deleted = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC().Truncate(time.Millisecond), id,
	)
	if err != nil {
		return fmt.Errorf("アイテムの削除に失敗しました: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrItemNotFound
	}
	return nil
}

// ExistsBySource は外部ソースのアイテムが取り込み済みかどうかを返す。
func (r *PostgresFeedItemRepo) ExistsBySource(ctx context.Context, sourceName, sourceRef string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feed_items WHERE source_name = $1 AND source_ref = $2)`,
		sourceName, sourceRef,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("取り込み済みアイテムの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを生成する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullInt64 は0をNULLとして扱うsql.NullInt64を生成する。
func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
