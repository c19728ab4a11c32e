// Package handler はHTTPハンドラーとルーティングを提供する。
// ハンドラーはリクエストの解析とレスポンスの組み立てだけを行い、判断はサービス層に委ねる。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。未知のフィールドは拒否する。
// 失敗した場合は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// itemIDParam はURLパスの{id}を正の整数として解析する。
// 不正な場合は400を書き込んでfalseを返す。
func itemIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidParameterError("id", raw))
		return 0, false
	}
	return id, true
}

// requireActor はリクエストコンテキストから利用者IDを取り出す。
// 匿名リクエストの場合は401を書き込んでfalseを返す。
func requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := middleware.ActorIDFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return 0, false
	}
	return actorID, true
}

// parseIntParam は整数のクエリパラメータを解析する。未指定の場合は0を返す。
func parseIntParam(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, model.NewInvalidParameterError(name, raw)
	}
	return n, nil
}

// parseIDListParam はカンマ区切りの整数リストのクエリパラメータを解析する。
// 空要素は無視する。
func parseIDListParam(r *http.Request, name string) ([]int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, model.NewInvalidParameterError(name, raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
