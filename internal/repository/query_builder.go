package repository

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/waterfall/internal/model"
)

// feedItemColumns はfeed_itemsの取得列。scanFeedItemと順序を合わせる。
const feedItemColumns = `i.id, i.owner_id, i.category_id, i.title, i.description, i.image_url,
		       i.format, i.width, i.height, i.status, i.is_deleted,
		       i.view_count, i.like_count, i.collection_count,
		       i.source_name, i.source_ref, i.created_at, i.updated_at,
		       ARRAY(SELECT t.tag_id FROM feed_item_tags t WHERE t.item_id = i.id ORDER BY t.tag_id) AS tag_ids`

// sortColumn はソートモードに対応する列名を返す。SQLに埋め込むため定義済みの値のみを返す。
func sortColumn(mode model.SortMode) string {
	switch mode {
	case model.SortPopular:
		return "popularity_score"
	case model.SortMostViewed:
		return "view_count"
	case model.SortMostLiked:
		return "like_count"
	case model.SortMostCollected:
		return "collection_count"
	default:
		return "created_at"
	}
}

// whereBuilder はプレースホルダ番号を管理しながらWHERE句を組み立てる。
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) next(arg interface{}) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *whereBuilder) String() string {
	return strings.Join(w.conds, " AND ")
}

// newVisibleWhere は表示可能条件とフィルタ条件を組み立てる。
func newVisibleWhere(f model.FeedFilter) *whereBuilder {
	f = f.Normalize()
	w := &whereBuilder{
		conds: []string{"i.status = 'approved'", "i.is_deleted = false"},
	}
	if f.CategoryID != 0 {
		w.add("i.category_id = $%d", f.CategoryID)
	}
	if len(f.TagIDs) > 0 {
		// いずれかのタグを持つアイテムに一致する
		w.add("EXISTS (SELECT 1 FROM feed_item_tags ft WHERE ft.item_id = i.id AND ft.tag_id = ANY($%d))", pq.Array(f.TagIDs))
	}
	if f.Format != "" {
		w.add("lower(i.format) = $%d", f.Format)
	}
	if f.MinWidth > 0 {
		w.add("i.width >= $%d", f.MinWidth)
	}
	if f.MinHeight > 0 {
		w.add("i.height >= $%d", f.MinHeight)
	}
	if f.OwnerID != 0 {
		w.add("i.owner_id = $%d", f.OwnerID)
	}
	if f.Keyword != "" {
		p := w.next("%" + escapeLike(f.Keyword) + "%")
		w.conds = append(w.conds, fmt.Sprintf(`(i.title ILIKE %[1]s ESCAPE '\' OR i.description ILIKE %[1]s ESCAPE '\')`, p))
	}
	return w
}

// buildListQuery はキーセットページネーションのクエリを組み立てる。
// ORDER BYは必ず (ソート列 DESC, id DESC) で、カーソル条件は行値比較で表す。
func buildListQuery(q model.FeedQuery, limit int) (string, []interface{}) {
	col := "i." + sortColumn(q.Sort)
	w := newVisibleWhere(q.Filter)

	if q.Cursor != nil {
		v := w.next(q.Cursor.LastValue.SQLArg())
		id := w.next(q.Cursor.LastID)
		w.conds = append(w.conds, fmt.Sprintf("(%s, i.id) < (%s, %s)", col, v, id))
	}

	lim := w.next(limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM feed_items i
		WHERE %s
		ORDER BY %s DESC, i.id DESC
		LIMIT %s`, feedItemColumns, w.String(), col, lim)
	return query, w.args
}

// buildCountQuery はフィルタに一致する表示可能なアイテム数のクエリを組み立てる。
func buildCountQuery(f model.FeedFilter) (string, []interface{}) {
	w := newVisibleWhere(f)
	return "SELECT COUNT(*) FROM feed_items i WHERE " + w.String(), w.args
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
