package cache

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/waterfall/internal/model"
)

// キーの名前空間。パターン削除はこの接頭辞の下でのみ行う。
const (
	keyPrefix       = "wf:"
	firstPagePrefix = keyPrefix + "feed:first:"
	morePagePrefix  = keyPrefix + "feed:more:"
	countPrefix     = keyPrefix + "count"
	// generationKey は無効化のたびに更新される世代。どの削除パターンにも一致しない。
	generationKey = keyPrefix + "gen"
)

// BuildFeedKey はページ要求から決定的なキャッシュキーを生成する。
// 同じ論理ページは常に同じキーになり、異なるページが衝突することはない。
// 先頭ページとカーソル付きページは別の名前空間に置き、先頭ページだけを一括削除できるようにする。
func BuildFeedKey(q model.FeedQuery) string {
	f := q.Filter.Normalize()

	var b strings.Builder
	if q.IsFirstPage() {
		b.WriteString(firstPagePrefix)
	} else {
		b.WriteString(morePagePrefix)
	}
	b.WriteString(string(q.Sort))
	b.WriteString(":n")
	b.WriteString(strconv.Itoa(q.PageSize))
	writeFilter(&b, f)
	if !q.IsFirstPage() {
		b.WriteString(":a")
		b.WriteString(strconv.FormatInt(q.Cursor.LastID, 10))
		b.WriteString(":v")
		b.WriteString(strconv.FormatInt(q.Cursor.LastValue.Raw(), 10))
	}
	return b.String()
}

// BuildCountKey はフィルタ条件に対する総件数のキャッシュキーを生成する。
// 件数はソート順やページサイズに依存しない。
func BuildCountKey(f model.FeedFilter) string {
	f = f.Normalize()

	var b strings.Builder
	b.WriteString(countPrefix)
	writeFilter(&b, f)
	return b.String()
}

// writeFilter はフィルタの各条件を固定順でキーに書き込む。
// 各セグメントは1文字の識別子で始まる。文字列の条件はエスケープして区切り文字「:」を含めない。
func writeFilter(b *strings.Builder, f model.FeedFilter) {
	if f.CategoryID != 0 {
		b.WriteString(":c")
		b.WriteString(strconv.FormatInt(f.CategoryID, 10))
	}
	for _, t := range f.TagIDs {
		b.WriteString(":t")
		b.WriteString(strconv.FormatInt(t, 10))
	}
	if f.Format != "" {
		b.WriteString(":f")
		b.WriteString(escapeKeyword(f.Format))
	}
	if f.MinWidth != 0 {
		b.WriteString(":w")
		b.WriteString(strconv.Itoa(f.MinWidth))
	}
	if f.MinHeight != 0 {
		b.WriteString(":h")
		b.WriteString(strconv.Itoa(f.MinHeight))
	}
	if f.OwnerID != 0 {
		b.WriteString(":u")
		b.WriteString(strconv.FormatInt(f.OwnerID, 10))
	}
	if f.Keyword != "" {
		b.WriteString(":k")
		b.WriteString(escapeKeyword(f.Keyword))
	}
}

// escapeKeyword はキーワードをURLエスケープする。
// 「:」やグロブのメタ文字がエスケープされ、パターン削除で誤って一致しない。
func escapeKeyword(s string) string {
	return url.QueryEscape(s)
}

// AllFirstPagesPattern はすべての先頭ページに一致するパターン。
func AllFirstPagesPattern() string {
	return firstPagePrefix + "*"
}

// AllCountsPattern はすべての総件数キーに一致するパターン。
func AllCountsPattern() string {
	return countPrefix + "*"
}

// SortModePatterns は指定ソートモードのすべてのページ（先頭・続き）に一致するパターンを返す。
func SortModePatterns(mode model.SortMode) []string {
	return []string{
		firstPagePrefix + string(mode) + ":*",
		morePagePrefix + string(mode) + ":*",
	}
}

// MaxPageSize はキーに載せられるページサイズの上限。
// UnfilteredFirstPagePatterns はこの桁数までしか一致しないため、ページサイズはこれ以下に制限する。
const MaxPageSize = 999

// UnfilteredFirstPagePatterns はフィルタなしの先頭ページに一致するパターンを返す。
// フィルタなしのキーはページサイズのセグメントで終わるため、MaxPageSize の桁数までパターンを分ける。
func UnfilteredFirstPagePatterns() []string {
	digits := len(strconv.Itoa(MaxPageSize))
	patterns := make([]string, 0, digits)
	for n := 1; n <= digits; n++ {
		patterns = append(patterns, firstPagePrefix+"*:n"+strings.Repeat("[0-9]", n))
	}
	return patterns
}

// KeywordFirstPagePatterns はキーワードで絞り込んだ先頭ページに一致するパターンを返す。
// キーワードのセグメントは常にキーの末尾にある。
func KeywordFirstPagePatterns() []string {
	return []string{firstPagePrefix + "*:k*"}
}

// filterSegmentPatterns は指定セグメントを含む先頭ページに一致するパターンを返す。
// セグメントがキーの途中にある場合と末尾にある場合の両方を扱う。
func filterSegmentPatterns(segment string) []string {
	return []string{
		firstPagePrefix + "*:" + segment + ":*",
		firstPagePrefix + "*:" + segment,
	}
}

// CategoryFirstPagePatterns は指定カテゴリで絞り込んだ先頭ページのパターンを返す。
func CategoryFirstPagePatterns(categoryID int64) []string {
	return filterSegmentPatterns("c" + strconv.FormatInt(categoryID, 10))
}

// TagFirstPagePatterns は指定タグを含む先頭ページのパターンを返す。
func TagFirstPagePatterns(tagID int64) []string {
	return filterSegmentPatterns("t" + strconv.FormatInt(tagID, 10))
}

// OwnerFirstPagePatterns は指定投稿者で絞り込んだ先頭ページのパターンを返す。
func OwnerFirstPagePatterns(ownerID int64) []string {
	return filterSegmentPatterns("u" + strconv.FormatInt(ownerID, 10))
}
