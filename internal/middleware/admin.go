package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/hitoshi/waterfall/internal/model"
)

// AdminTokenHeader は管理APIのトークンを送るヘッダー。
const AdminTokenHeader = "X-Admin-Token"

// NewAdminMiddleware は管理APIへのアクセスをトークンで制限するミドルウェアを返す。
// tokenが空の場合は管理APIを無効とし、すべて403を返す。
func NewAdminMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("管理APIへのアクセスを拒否しました",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
