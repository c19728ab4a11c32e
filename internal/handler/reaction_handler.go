package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/model"
)

// Reactor はリアクションハンドラーが必要とするサービスインターフェース。
type Reactor interface {
	React(ctx context.Context, actorID, itemID int64, reactionType model.ReactionType, op model.ReactionOp) (*model.ReactionEvent, error)
}

// ReactionHandler はリアクション送信のHTTPハンドラー。
type ReactionHandler struct {
	service Reactor
}

// NewReactionHandler はReactionHandlerを生成する。
func NewReactionHandler(service Reactor) *ReactionHandler {
	return &ReactionHandler{service: service}
}

type reactionRequest struct {
	Type      model.ReactionType `json:"type"`
	Operation model.ReactionOp   `json:"operation"`
}

type reactionResponse struct {
	EventID   string             `json:"eventId"`
	ItemID    int64              `json:"itemId"`
	Type      model.ReactionType `json:"type"`
	Operation model.ReactionOp   `json:"operation"`
}

// React はリアクションを記録する。カウンタへの反映は非同期に行われるため202を返す。
// POST /api/items/{id}/reactions
func (h *ReactionHandler) React(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Operation == "" {
		req.Operation = model.ReactionAdd
	}

	e, err := h.service.React(r.Context(), actorID, itemID, req.Type, req.Operation)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reactionResponse{
		EventID:   e.EventID,
		ItemID:    e.TargetID,
		Type:      e.ReactionType,
		Operation: e.Operation,
	})
}
