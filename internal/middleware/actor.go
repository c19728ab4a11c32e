// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/waterfall/internal/model"
)

// ActorHeader は上流のゲートウェイが認証済みの利用者IDを設定するヘッダー。
const ActorHeader = "X-Actor-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// actorIDContextKey はリクエストコンテキストに利用者IDを格納するためのキー。
var actorIDContextKey = contextKey("actor_id")

// NewActorMiddleware はX-Actor-IDヘッダーから利用者IDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない場合は匿名として通す。不正な値には401を返す。
func NewActorMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(ActorHeader))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			actorID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || actorID <= 0 {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithActorID(r.Context(), actorID)))
		})
	}
}

// ActorIDFromContext はリクエストコンテキストから利用者IDを取得する。
// 匿名リクエストの場合はfalseを返す。
func ActorIDFromContext(ctx context.Context) (int64, bool) {
	actorID, ok := ctx.Value(actorIDContextKey).(int64)
	if !ok || actorID <= 0 {
		return 0, false
	}
	return actorID, true
}

// ContextWithActorID はコンテキストに利用者IDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorIDContextKey, actorID)
}
