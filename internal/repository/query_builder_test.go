package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/waterfall/internal/model"
)

// コンパイル時チェック：PostgreSQL実装が各インターフェースを満たすことを検証
var (
	_ FeedItemReader       = (*PostgresFeedItemRepo)(nil)
	_ FeedItemRepository   = (*PostgresFeedItemRepo)(nil)
	_ CounterRepository    = (*PostgresCounterRepo)(nil)
	_ LedgerRepository     = (*PostgresLedgerRepo)(nil)
	_ DeadLetterRepository = (*PostgresDeadLetterRepo)(nil)
	_ JobLocker            = (*PostgresJobLock)(nil)
)

func TestSortColumn(t *testing.T) {
	tests := map[model.SortMode]string{
		model.SortNewest:        "created_at",
		model.SortPopular:       "popularity_score",
		model.SortMostViewed:    "view_count",
		model.SortMostLiked:     "like_count",
		model.SortMostCollected: "collection_count",
		model.SortMode("x; --"): "created_at",
	}
	for mode, want := range tests {
		if got := sortColumn(mode); got != want {
			t.Errorf("sortColumn(%q) = %q, want %q", mode, got, want)
		}
	}
}

func TestBuildListQuery_FirstPage(t *testing.T) {
	q := model.FeedQuery{Sort: model.SortMostLiked, PageSize: 30}

	query, args := buildListQuery(q, 31)

	for _, want := range []string{
		"i.status = 'approved'",
		"i.is_deleted = false",
		"ORDER BY i.like_count DESC, i.id DESC",
		"LIMIT $1",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query does not contain %q:\n%s", want, query)
		}
	}
	if strings.Contains(query, "(i.like_count, i.id) <") {
		t.Error("first page query must not contain a cursor predicate")
	}
	if len(args) != 1 || args[0] != 31 {
		t.Errorf("args = %v, want [31]", args)
	}
}

func TestBuildListQuery_CursorUsesRowComparison(t *testing.T) {
	at := time.UnixMilli(1700000000123).UTC()
	q := model.FeedQuery{
		Sort:     model.SortNewest,
		PageSize: 10,
		Cursor:   &model.Cursor{LastID: 42, LastValue: model.TimeValue(at)},
	}

	query, args := buildListQuery(q, 11)

	if !strings.Contains(query, "(i.created_at, i.id) < ($1, $2)") {
		t.Errorf("query does not contain keyset predicate:\n%s", query)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v, want 3 args", args)
	}
	if got, ok := args[0].(time.Time); !ok || !got.Equal(at) {
		t.Errorf("args[0] = %v, want %v", args[0], at)
	}
	if args[1] != int64(42) {
		t.Errorf("args[1] = %v, want 42", args[1])
	}
}

func TestBuildListQuery_FiltersAreAndedWithCursor(t *testing.T) {
	q := model.FeedQuery{
		Sort:     model.SortPopular,
		PageSize: 30,
		Filter: model.FeedFilter{
			CategoryID: 3,
			TagIDs:     []int64{2, 1},
			Format:     "JPG",
			MinWidth:   800,
			MinHeight:  600,
			OwnerID:    9,
			Keyword:    "50%_off",
		},
		Cursor: &model.Cursor{LastID: 7, LastValue: model.CounterValue(100)},
	}

	query, args := buildListQuery(q, 31)

	for _, want := range []string{
		"i.category_id = $1",
		"ft.tag_id = ANY($2)",
		"lower(i.format) = $3",
		"i.width >= $4",
		"i.height >= $5",
		"i.owner_id = $6",
		"i.title ILIKE $7",
		"i.description ILIKE $7",
		"(i.popularity_score, i.id) < ($8, $9)",
		"LIMIT $10",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query does not contain %q:\n%s", want, query)
		}
	}
	if len(args) != 10 {
		t.Fatalf("len(args) = %d, want 10", len(args))
	}
	if args[2] != "jpg" {
		t.Errorf("format arg = %v, want jpg", args[2])
	}
	if args[6] != `%50\%\_off%` {
		t.Errorf("keyword arg = %v, want %q", args[6], `%50\%\_off%`)
	}
}

func TestBuildCountQuery(t *testing.T) {
	query, args := buildCountQuery(model.FeedFilter{CategoryID: 3})

	if !strings.HasPrefix(query, "SELECT COUNT(*) FROM feed_items i WHERE") {
		t.Errorf("unexpected count query: %s", query)
	}
	if !strings.Contains(query, "i.category_id = $1") {
		t.Errorf("count query missing filter: %s", query)
	}
	if strings.Contains(query, "ORDER BY") || strings.Contains(query, "LIMIT") {
		t.Errorf("count query must not paginate: %s", query)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want 1 arg", args)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"plain":   "plain",
		"100%":    `100\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}
