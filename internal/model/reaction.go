package model

import (
	"fmt"
	"time"
)

// ReactionType はユーザーアクションの種別。
type ReactionType string

const (
	ReactionLike     ReactionType = "like"
	ReactionFavorite ReactionType = "favorite"
	ReactionView     ReactionType = "view"
)

// ReactionOp はアクションの操作（追加/取り消し）。
type ReactionOp string

const (
	ReactionAdd    ReactionOp = "add"
	ReactionRemove ReactionOp = "remove"
)

// CounterKind はアイテムに実体化されたカウンタの種別。
type CounterKind string

const (
	CounterViews       CounterKind = "view_count"
	CounterLikes       CounterKind = "like_count"
	CounterCollections CounterKind = "collection_count"
)

// Column はカウンタに対応するfeed_itemsの列名を返す。
// SQLに埋め込むため、定義済みの値以外は空文字列を返す。
func (k CounterKind) Column() string {
	switch k {
	case CounterViews, CounterLikes, CounterCollections:
		return string(k)
	}
	return ""
}

// SortMode はこのカウンタを直接のキーとするソートモードを返す。
func (k CounterKind) SortMode() SortMode {
	switch k {
	case CounterViews:
		return SortMostViewed
	case CounterLikes:
		return SortMostLiked
	default:
		return SortMostCollected
	}
}

// Counter はアクション種別が更新するカウンタを返す。
func (t ReactionType) Counter() (CounterKind, bool) {
	switch t {
	case ReactionLike:
		return CounterLikes, true
	case ReactionFavorite:
		return CounterCollections, true
	case ReactionView:
		return CounterViews, true
	}
	return "", false
}

// ReactionEvent はReaction Ledgerへの書き込み後に発行されるイベント。
// 発行後は不変で、所有権はパイプラインに移る。
type ReactionEvent struct {
	EventID      string       `json:"eventId"`
	TargetID     int64        `json:"targetId"`
	ReactionType ReactionType `json:"reactionType"`
	Operation    ReactionOp   `json:"operation"`
	ActorID      int64        `json:"actorId"`
	Timestamp    int64        `json:"timestamp"` // ミリ秒エポック
}

// Validate はイベントの形式を検証する。不正な場合はErrMalformedEventをラップして返す。
func (e ReactionEvent) Validate() error {
	if e.TargetID <= 0 {
		return fmt.Errorf("%w: targetId must be positive", ErrMalformedEvent)
	}
	if _, ok := e.ReactionType.Counter(); !ok {
		return fmt.Errorf("%w: unknown reactionType %q", ErrMalformedEvent, e.ReactionType)
	}
	switch e.Operation {
	case ReactionAdd:
	case ReactionRemove:
		if e.ReactionType == ReactionView {
			return fmt.Errorf("%w: view cannot be removed", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, e.Operation)
	}
	return nil
}

// Delta はカウンタに適用する符号付きの差分を返す。
func (e ReactionEvent) Delta() int64 {
	if e.Operation == ReactionRemove {
		return -1
	}
	return 1
}

// OccurredAt はイベントの発生時刻を返す。
func (e ReactionEvent) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DeadLetter はリトライ上限に達した、または処理不能なイベントの保管レコード。
type DeadLetter struct {
	ID        string
	Payload   []byte
	Reason    string
	Attempts  int
	CreatedAt time.Time
}

// LedgerCounts はReaction Ledgerから再計算した正味のカウント。
type LedgerCounts struct {
	Likes     int64
	Favorites int64
}

// CounterSnapshot は実体化カウンタの読み取り時点の値。
type CounterSnapshot struct {
	ItemID          int64
	LikeCount       int64
	CollectionCount int64
}
