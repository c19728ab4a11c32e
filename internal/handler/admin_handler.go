package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/worker/reconcile"
)

// Reconciler は管理ハンドラーが必要とするカウンタ整合ジョブのインターフェース。
type Reconciler interface {
	RunInBackground(ctx context.Context) error
	ReconcileItem(ctx context.Context, itemID int64) (*reconcile.Result, error)
}

// AdminHandler は運用者向けの管理APIハンドラー。
type AdminHandler struct {
	reconciler Reconciler
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(reconciler Reconciler) *AdminHandler {
	return &AdminHandler{reconciler: reconciler}
}

type reconcileStartedResponse struct {
	Status string `json:"status"`
}

// StartReconcile は全件のカウンタ整合をバックグラウンドで開始する。
// 実行中の場合は409を返す。
// POST /api/admin/reconcile
func (h *AdminHandler) StartReconcile(w http.ResponseWriter, r *http.Request) {
	// ジョブはレスポンス返却後も続くため、リクエストのキャンセルを引き継がない
	if err := h.reconciler.RunInBackground(context.WithoutCancel(r.Context())); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reconcileStartedResponse{Status: "started"})
}

// ReconcileItem は1件のアイテムのカウンタを同期的に整合し、補正結果を返す。
// POST /api/admin/reconcile/{id}
func (h *AdminHandler) ReconcileItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.reconciler.ReconcileItem(r.Context(), itemID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if result.Corrections == nil {
		result.Corrections = []reconcile.Correction{}
	}
	writeJSON(w, http.StatusOK, result)
}
