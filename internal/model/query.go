package model

import (
	"slices"
	"strings"
)

// FeedFilter はフィードの絞り込み条件。ゼロ値のフィールドは条件なしを意味する。
type FeedFilter struct {
	CategoryID int64
	TagIDs     []int64 // いずれかのタグを持つアイテムに一致する
	Format     string
	MinWidth   int
	MinHeight  int
	OwnerID    int64
	Keyword    string // タイトルまたは説明文の部分一致（大文字小文字を区別しない）
}

// Normalize は意味的に同じ条件が同じ表現になるよう正規化したコピーを返す。
// タグはソートして重複を除き、形式とキーワードは小文字化して前後の空白を除く。
func (f FeedFilter) Normalize() FeedFilter {
	out := f
	out.Format = strings.ToLower(strings.TrimSpace(f.Format))
	out.Keyword = strings.ToLower(strings.TrimSpace(f.Keyword))
	if out.CategoryID < 0 {
		out.CategoryID = 0
	}
	if out.OwnerID < 0 {
		out.OwnerID = 0
	}
	if out.MinWidth < 0 {
		out.MinWidth = 0
	}
	if out.MinHeight < 0 {
		out.MinHeight = 0
	}
	out.TagIDs = nil
	if len(f.TagIDs) > 0 {
		tags := make([]int64, 0, len(f.TagIDs))
		for _, id := range f.TagIDs {
			if id > 0 {
				tags = append(tags, id)
			}
		}
		slices.Sort(tags)
		tags = slices.Compact(tags)
		if len(tags) > 0 {
			out.TagIDs = tags
		}
	}
	return out
}

// IsEmpty は絞り込み条件が一つもないかを返す。
func (f FeedFilter) IsEmpty() bool {
	return f.CategoryID == 0 && len(f.TagIDs) == 0 && f.Format == "" &&
		f.MinWidth == 0 && f.MinHeight == 0 && f.OwnerID == 0 && f.Keyword == ""
}

// FeedQuery は論理的な1ページを決定的に識別する不変の組。
type FeedQuery struct {
	Sort     SortMode
	Filter   FeedFilter
	PageSize int
	Cursor   *Cursor // nilの場合は先頭ページ
}

// IsFirstPage は先頭ページの要求かどうかを返す。
func (q FeedQuery) IsFirstPage() bool {
	return q.Cursor == nil
}

// Matches はアイテムがフィルタ条件と表示条件を満たすかを返す。
// SQLの述語と同じ意味を持ち、インメモリ実装やテストで使う。
func (f FeedFilter) Matches(item *FeedItem) bool {
	if !item.Visible() {
		return false
	}
	if f.CategoryID != 0 && item.CategoryID != f.CategoryID {
		return false
	}
	if len(f.TagIDs) > 0 {
		found := false
		for _, t := range item.TagIDs {
			if slices.Contains(f.TagIDs, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Format != "" && !strings.EqualFold(item.Format, f.Format) {
		return false
	}
	if item.Width < f.MinWidth || item.Height < f.MinHeight {
		return false
	}
	if f.OwnerID != 0 && item.OwnerID != f.OwnerID {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(item.Title), kw) &&
			!strings.Contains(strings.ToLower(item.Description), kw) {
			return false
		}
	}
	return true
}
