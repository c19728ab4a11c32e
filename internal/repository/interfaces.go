// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/waterfall/internal/model"
)

// FeedItemReader はフィードの読み取りインターフェース。
type FeedItemReader interface {
	// ListPage はクエリに一致する表示可能なアイテムをソート順に最大limit件取得する。
	// カーソルがある場合は (ソートキー, id) がカーソルより厳密に小さいアイテムのみを返す。
	ListPage(ctx context.Context, q model.FeedQuery, limit int) ([]*model.FeedItem, error)

	// Count はフィルタに一致する表示可能なアイテムの総数を返す。
	Count(ctx context.Context, f model.FeedFilter) (int, error)

	// CursorItemVisible はカーソルが指すアイテムが存在し、表示可能かを返す。
	// ソートキーの現在値は比較しない。カウンタが動いても (lastValue, lastId) の範囲は定義できる。
	CursorItemVisible(ctx context.Context, itemID int64) (bool, error)
}

// FeedItemRepository はアイテムの作成・更新のインターフェース。
type FeedItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。論理削除済みも含む。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.FeedItem, error)

	// Create はアイテムとタグを同一トランザクションで作成し、採番されたIDと作成日時を設定する。
	Create(ctx context.Context, item *model.FeedItem) error

	// Update はアイテムの編集可能な属性とタグを更新する。カウンタと状態は変更しない。
	Update(ctx context.Context, item *model.FeedItem) error

	// UpdateStatus はモデレーション状態を更新する。
	UpdateStatus(ctx context.Context, id int64, status model.ItemStatus) error

	// MarkDeleted はアイテムを論理削除する。
	MarkDeleted(ctx context.Context, id int64) error

	// ExistsBySource は外部ソースから取り込み済みかどうかを返す。
	ExistsBySource(ctx context.Context, sourceName, sourceRef string) (bool, error)
}

// CounterRepository は実体化カウンタの更新インターフェース。
type CounterRepository interface {
	// IncrementCounter はカウンタに符号付きの差分を原子的に加算し、更新後の値を返す。
	// 結果が負になる場合は0に丸めてclampedにtrueを返す。
	// アイテムが存在しない場合はmodel.ErrItemNotFoundを返す。
	IncrementCounter(ctx context.Context, itemID int64, counter model.CounterKind, delta int64) (value int64, clamped bool, err error)

	// ListCounterSnapshots はidがafterIDより大きいアイテムのカウンタをid昇順で最大limit件返す。
	ListCounterSnapshots(ctx context.Context, afterID int64, limit int) ([]model.CounterSnapshot, error)
}

// LedgerRepository はReaction Ledgerのインターフェース。Ledgerは追記のみで、カウンタの正とする。
type LedgerRepository interface {
	// Append はイベントを記録する。同じEventIDの再記録は無視する。
	Append(ctx context.Context, e *model.ReactionEvent) error

	// NetCounts は指定アイテムのいいね・コレクションの正味件数（add - remove）を返す。
	// Ledgerに記録がないアイテムはマップに含まれない。
	NetCounts(ctx context.Context, itemIDs []int64) (map[int64]model.LedgerCounts, error)
}

// DeadLetterRepository はデッドレターの保管インターフェース。
type DeadLetterRepository interface {
	// Save はデッドレターを保存する。
	Save(ctx context.Context, dl *model.DeadLetter) error

	// DeleteOlderThan はcutoffより前に作成されたデッドレターを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobLocker はプロセスをまたいだジョブの排他制御インターフェース。
type JobLocker interface {
	// TryLock はロックの取得を試みる。取得できた場合はrelease関数とtrueを返す。
	TryLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

// Pinger はデータベースの疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}
