package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/waterfall/internal/item"
	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/model"
)

// ItemServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	Get(ctx context.Context, itemID int64) (*model.FeedItem, error)
	Upload(ctx context.Context, actorID int64, in item.UploadInput) (*model.FeedItem, error)
	Edit(ctx context.Context, actorID, itemID int64, in item.EditInput) (*model.FeedItem, error)
	Moderate(ctx context.Context, itemID int64, status model.ItemStatus) (*model.FeedItem, error)
	Delete(ctx context.Context, actorID, itemID int64) error
}

// ItemHandler はアイテム管理のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// --- リクエスト型 ---

type uploadRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ImageURL    string  `json:"imageUrl"`
	Format      string  `json:"format"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	CategoryID  int64   `json:"categoryId"`
	TagIDs      []int64 `json:"tagIds"`
}

// editRequest は部分更新のリクエスト。nilフィールドは変更しない。
type editRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	CategoryID  *int64   `json:"categoryId"`
	TagIDs      *[]int64 `json:"tagIds"`
}

type moderateRequest struct {
	Status model.ItemStatus `json:"status"`
}

// GetItem はアイテム詳細を返す。
// GET /api/items/{id}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	it, err := h.service.Get(r.Context(), itemID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// UploadItem はアイテムを作成する。
// POST /api/items
func (h *ItemHandler) UploadItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req uploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	it, err := h.service.Upload(r.Context(), actorID, item.UploadInput{
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Format:      req.Format,
		Width:       req.Width,
		Height:      req.Height,
		CategoryID:  req.CategoryID,
		TagIDs:      req.TagIDs,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// EditItem はアイテムの属性を部分更新する。
// PATCH /api/items/{id}
func (h *ItemHandler) EditItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil && req.Description == nil && req.CategoryID == nil && req.TagIDs == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "更新する項目を1つ以上指定してください。",
			Category: "validation",
			Action:   "title、description、categoryId、tagIdsのいずれかを指定してください。",
		})
		return
	}

	it, err := h.service.Edit(r.Context(), actorID, itemID, item.EditInput{
		Title:       req.Title,
		Description: req.Description,
		CategoryID:  req.CategoryID,
		TagIDs:      req.TagIDs,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// DeleteItem はアイテムを論理削除する。
// DELETE /api/items/{id}
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actorID, itemID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ModerateItem はモデレーション状態を変更する。管理API。
// PUT /api/admin/items/{id}/status
func (h *ItemHandler) ModerateItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	var req moderateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	it, err := h.service.Moderate(r.Context(), itemID, req.Status)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}
