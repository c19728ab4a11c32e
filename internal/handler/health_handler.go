package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータベースの疎通確認インターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// ComponentChecker は補助的な依存先（キャッシュ、メッセージング）の疎通確認インターフェース。
type ComponentChecker interface {
	Ping(ctx context.Context) error
}

// ComponentCheckerFunc は関数をComponentCheckerとして扱うアダプタ。
type ComponentCheckerFunc func(ctx context.Context) error

// Ping はf(ctx)を呼ぶ。
func (f ComponentCheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

const healthCheckTimeout = 3 * time.Second

// HealthHandler はヘルスチェックのHTTPハンドラー。
// データベースは必須、その他の依存先は停止していても縮退運転として200を返す。
type HealthHandler struct {
	db         HealthChecker
	components map[string]ComponentChecker
}

// NewHealthHandler はHealthHandlerを生成する。componentsのnil値は無視する。
func NewHealthHandler(db HealthChecker, components map[string]ComponentChecker) *HealthHandler {
	active := make(map[string]ComponentChecker, len(components))
	for name, c := range components {
		if c != nil {
			active[name] = c
		}
	}
	return &HealthHandler{db: db, components: active}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health は依存先の状態を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}

	if h.db == nil {
		resp.Checks["postgres"] = "unavailable"
	} else if err := h.db.PingContext(ctx); err != nil {
		slog.Error("health check failed", slog.String("component", "postgres"), slog.String("error", err.Error()))
		resp.Checks["postgres"] = "unavailable"
	} else {
		resp.Checks["postgres"] = "ok"
	}

	for name, c := range h.components {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check degraded", slog.String("component", name), slog.String("error", err.Error()))
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	if resp.Checks["postgres"] != "ok" {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
