package model

import (
	"fmt"
	"strconv"
	"time"
)

// SortMode はフィードの並び順を表す。すべて降順で、同値はIDの降順で並ぶ。
type SortMode string

const (
	// SortNewest は作成日時の新しい順。
	SortNewest SortMode = "newest"
	// SortPopular は人気スコア順。
	SortPopular SortMode = "popular"
	// SortMostViewed は閲覧数順。
	SortMostViewed SortMode = "mostViewed"
	// SortMostLiked はいいね数順。
	SortMostLiked SortMode = "mostLiked"
	// SortMostCollected はコレクション数順。
	SortMostCollected SortMode = "mostCollected"
)

// AllSortModes は定義済みのソートモード一覧。
var AllSortModes = []SortMode{
	SortNewest,
	SortPopular,
	SortMostViewed,
	SortMostLiked,
	SortMostCollected,
}

// ParseSortMode は文字列からソートモードを解析する。
// 空文字列はSortNewestとして扱い、未知の値はクライアントエラーを返す。
func ParseSortMode(s string) (SortMode, error) {
	if s == "" {
		return SortNewest, nil
	}
	m := SortMode(s)
	if !m.Valid() {
		return "", NewInvalidSortModeError(s)
	}
	return m, nil
}

// Valid は定義済みのソートモードかどうかを返す。
func (m SortMode) Valid() bool {
	for _, v := range AllSortModes {
		if m == v {
			return true
		}
	}
	return false
}

// ValueKind はソートモードのソートキーの型を返す。
func (m SortMode) ValueKind() SortValueKind {
	if m == SortNewest {
		return SortValueTime
	}
	return SortValueCounter
}

// SortValueKind はソートキーの型を区別するタグ。
type SortValueKind int

const (
	// SortValueTime はミリ秒精度のタイムスタンプ。
	SortValueTime SortValueKind = iota + 1
	// SortValueCounter は整数のカウンタ値。
	SortValueCounter
)

// SortValue はソートキーのタグ付き共用体。
// タイムスタンプとカウンタを取り違えた比較を型で防ぐ。
type SortValue struct {
	kind    SortValueKind
	at      time.Time
	counter int64
}

// TimeValue はタイムスタンプのソートキーを生成する。ミリ秒に切り詰める。
func TimeValue(t time.Time) SortValue {
	return SortValue{kind: SortValueTime, at: t.UTC().Truncate(time.Millisecond)}
}

// CounterValue はカウンタ値のソートキーを生成する。
func CounterValue(n int64) SortValue {
	return SortValue{kind: SortValueCounter, counter: n}
}

// Kind はソートキーの型を返す。ゼロ値は0を返す。
func (v SortValue) Kind() SortValueKind { return v.kind }

// Time はタイムスタンプを返す。カウンタの場合はゼロ値。
func (v SortValue) Time() time.Time { return v.at }

// Counter はカウンタ値を返す。タイムスタンプの場合は0。
func (v SortValue) Counter() int64 { return v.counter }

// Raw はワイヤ表現（タイムスタンプはミリ秒エポック、カウンタはそのまま）を返す。
func (v SortValue) Raw() int64 {
	if v.kind == SortValueTime {
		return v.at.UnixMilli()
	}
	return v.counter
}

// SQLArg はSQLのバインド引数としての値を返す。
func (v SortValue) SQLArg() any {
	if v.kind == SortValueTime {
		return v.at
	}
	return v.counter
}

// Compare は同じ型のソートキー同士を比較する。
// 型が異なる場合は比較不能としてfalseを返す。
func (v SortValue) Compare(o SortValue) (int, bool) {
	if v.kind != o.kind || v.kind == 0 {
		return 0, false
	}
	if v.kind == SortValueTime {
		return v.at.Compare(o.at), true
	}
	switch {
	case v.counter < o.counter:
		return -1, true
	case v.counter > o.counter:
		return 1, true
	}
	return 0, true
}

// Equal は型と値が一致するかを返す。
func (v SortValue) Equal(o SortValue) bool {
	c, ok := v.Compare(o)
	return ok && c == 0
}

// SortValueFromRaw はワイヤ表現からソートモードに対応する型のソートキーを生成する。
func SortValueFromRaw(mode SortMode, raw int64) SortValue {
	if mode.ValueKind() == SortValueTime {
		return TimeValue(time.UnixMilli(raw))
	}
	return CounterValue(raw)
}

// Cursor はキーセットページネーションのカーソル。
// LastValueは前ページ最後のアイテムのソートキー、LastIDは同値のタイブレーク。
type Cursor struct {
	LastID    int64
	LastValue SortValue
}

// NewCursor はアイテムからカーソルを生成する。
func NewCursor(mode SortMode, item *FeedItem) *Cursor {
	return &Cursor{LastID: item.ID, LastValue: item.SortValue(mode)}
}

// ValidFor はカーソルの値の型がソートモードと一致するかを返す。
func (c *Cursor) ValidFor(mode SortMode) bool {
	return c != nil && c.LastID > 0 && c.LastValue.Kind() == mode.ValueKind()
}

// String はログ用の表現を返す。
func (c *Cursor) String() string {
	if c == nil {
		return "<none>"
	}
	return fmt.Sprintf("(%d,%d)", c.LastValue.Raw(), c.LastID)
}

// ParseCursor はクエリパラメータのlastIdとlastValueからカーソルを解析する。
// 両方が揃っていない場合や数値として不正な場合はnilを返す。
// カーソルはクライアントが保持する不透明な状態なので、不正でもエラーにはしない。
func ParseCursor(mode SortMode, lastID, lastValue string) *Cursor {
	if lastID == "" || lastValue == "" {
		return nil
	}
	id, err := strconv.ParseInt(lastID, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	raw, err := strconv.ParseInt(lastValue, 10, 64)
	if err != nil || raw < 0 {
		return nil
	}
	return &Cursor{LastID: id, LastValue: SortValueFromRaw(mode, raw)}
}
