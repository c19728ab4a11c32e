package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/waterfall/internal/feed"
	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/model"
)

// FeedPager はフィードハンドラーが必要とするページ取得のインターフェース。
type FeedPager interface {
	FetchPage(ctx context.Context, q model.FeedQuery) (*feed.Page, error)
}

// FeedHandler はウォーターフォールフィードのHTTPハンドラー。
type FeedHandler struct {
	pager FeedPager
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(pager FeedPager) *FeedHandler {
	return &FeedHandler{pager: pager}
}

// feedPageResponse はフィードページのレスポンス。
// lastIdとlastValueは次ページ要求にそのまま渡すカーソル。返すアイテムがない場合は省略する。
type feedPageResponse struct {
	Items     []*model.FeedItem `json:"items"`
	HasMore   bool              `json:"hasMore"`
	LastID    *int64            `json:"lastId,omitempty"`
	LastValue *int64            `json:"lastValue,omitempty"`
	Total     *int              `json:"total,omitempty"`
}

// GetFeed はフィードの1ページを返す。
// GET /api/feed?sortMode=newest&pageSize=30&categoryId=&tagIds=1,2&format=&minWidth=&minHeight=&ownerId=&keyword=&lastId=&lastValue=
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	q, err := parseFeedQuery(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	page, err := h.pager.FetchPage(r.Context(), q)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := feedPageResponse{
		Items:   page.Items,
		HasMore: page.HasMore,
		Total:   page.Total,
	}
	if resp.Items == nil {
		resp.Items = []*model.FeedItem{}
	}
	if c := page.NextCursor; c != nil {
		lastID, lastValue := c.LastID, c.LastValue.Raw()
		resp.LastID, resp.LastValue = &lastID, &lastValue
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFeedQuery はクエリパラメータからFeedQueryを組み立てる。
// 数値であるべきパラメータが数値でない場合と未知のソートモードはエラーにする。
// カーソルは不正でもエラーにせず、先頭ページの要求として扱う。
func parseFeedQuery(r *http.Request) (model.FeedQuery, error) {
	query := r.URL.Query()

	sortParam := query.Get("sortMode")
	if sortParam == "" {
		sortParam = query.Get("sort")
	}
	mode, err := model.ParseSortMode(sortParam)
	if err != nil {
		return model.FeedQuery{}, err
	}

	pageSize, err := parseIntParam(r, "pageSize")
	if err != nil {
		return model.FeedQuery{}, err
	}
	categoryID, err := parseIntParam(r, "categoryId")
	if err != nil {
		return model.FeedQuery{}, err
	}
	minWidth, err := parseIntParam(r, "minWidth")
	if err != nil {
		return model.FeedQuery{}, err
	}
	minHeight, err := parseIntParam(r, "minHeight")
	if err != nil {
		return model.FeedQuery{}, err
	}
	ownerID, err := parseIntParam(r, "ownerId")
	if err != nil {
		return model.FeedQuery{}, err
	}
	tagIDs, err := parseIDListParam(r, "tagIds")
	if err != nil {
		return model.FeedQuery{}, err
	}

	return model.FeedQuery{
		Sort: mode,
		Filter: model.FeedFilter{
			CategoryID: categoryID,
			TagIDs:     tagIDs,
			Format:     query.Get("format"),
			MinWidth:   int(minWidth),
			MinHeight:  int(minHeight),
			OwnerID:    ownerID,
			Keyword:    query.Get("keyword"),
		},
		PageSize: int(pageSize),
		Cursor:   model.ParseCursor(mode, query.Get("lastId"), query.Get("lastValue")),
	}, nil
}
