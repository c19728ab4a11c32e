// Package model はドメインモデルを定義する。
package model

import "time"

// ItemStatus はアイテムのモデレーション状態を表す。
type ItemStatus string

const (
	// ItemStatusPending は審査待ちの状態。フィードには表示されない。
	ItemStatusPending ItemStatus = "pending"
	// ItemStatusApproved は承認済みの状態。フィードに表示される唯一の状態。
	ItemStatusApproved ItemStatus = "approved"
	// ItemStatusRejected は却下された状態。
	ItemStatusRejected ItemStatus = "rejected"
)

// Valid は定義済みの状態かどうかを返す。
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusApproved, ItemStatusRejected:
		return true
	}
	return false
}

// FeedItem はウォーターフォールフィードに表示されるアイテムを表す。
// IDは作成時に単調増加で採番され、ページネーションのタイブレークに使われる。
// 物理削除はされず、IsDeletedによる論理削除のみ行う。
type FeedItem struct {
	ID              int64      `json:"id"`
	OwnerID         int64      `json:"ownerId"`
	CategoryID      int64      `json:"categoryId,omitempty"`
	TagIDs          []int64    `json:"tagIds,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ImageURL        string     `json:"imageUrl"`
	Format          string     `json:"format"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	Status          ItemStatus `json:"status"`
	IsDeleted       bool       `json:"-"`
	ViewCount       int64      `json:"viewCount"`
	LikeCount       int64      `json:"likeCount"`
	CollectionCount int64      `json:"collectionCount"`
	SourceName      string     `json:"-"`
	SourceRef       string     `json:"-"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// PopularityScore は人気順ソートに使うスコアを計算する。
// feed_items.popularity_score の生成列と同じ式でなければならない。
func PopularityScore(views, likes, collections int64) int64 {
	return views + 3*likes + 5*collections
}

// Popularity はアイテムの人気スコアを返す。
func (i *FeedItem) Popularity() int64 {
	return PopularityScore(i.ViewCount, i.LikeCount, i.CollectionCount)
}

// Visible はフィードに表示可能（承認済みかつ未削除）かどうかを返す。
func (i *FeedItem) Visible() bool {
	return i.Status == ItemStatusApproved && !i.IsDeleted
}

// SortValue は指定ソートモードでのアイテムのソートキーを返す。
func (i *FeedItem) SortValue(mode SortMode) SortValue {
	switch mode {
	case SortPopular:
		return CounterValue(i.Popularity())
	case SortMostViewed:
		return CounterValue(i.ViewCount)
	case SortMostLiked:
		return CounterValue(i.LikeCount)
	case SortMostCollected:
		return CounterValue(i.CollectionCount)
	default:
		return TimeValue(i.CreatedAt)
	}
}

// ImportedItem は外部ソースから取り込んだ未保存のアイテムを表す。
// インポーターがソースをパースした後、item.Serviceに渡される。
type ImportedItem struct {
	SourceName  string
	SourceRef   string // ソース内で一意な識別子（GUIDやリンク）
	Title       string
	Description string // 未サニタイズ
	ImageURL    string
	Format      string
	Width       int
	Height      int
}
