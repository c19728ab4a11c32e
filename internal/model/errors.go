package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// クライアントに返す唯一のエラー型で、原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, reaction, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSortMode  = "INVALID_SORT_MODE"
	ErrCodeInvalidParameter = "INVALID_PARAMETER"
	ErrCodeInvalidReaction  = "INVALID_REACTION"
	ErrCodeItemNotFound     = "ITEM_NOT_FOUND"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeJobRunning       = "JOB_RUNNING"
)

// 内部で判定に使うセンチネルエラー。クライアントには直接返さない。
var (
	// ErrItemNotFound はカウンタ更新対象のアイテムが存在しないことを示す。
	ErrItemNotFound = errors.New("item not found")
	// ErrMalformedEvent はイベントの形式が不正であることを示す。
	ErrMalformedEvent = errors.New("malformed reaction event")
	// ErrJobRunning はリコンシリエーションが既に実行中であることを示す。
	ErrJobRunning = errors.New("reconciliation already running")
)

// NewInvalidSortModeError は未対応のソートモードのエラーを生成する。
func NewInvalidSortModeError(sort string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSortMode,
		Message:  fmt.Sprintf("未対応の並び順です: %s", sort),
		Category: "validation",
		Action:   "sortには newest、popular、mostViewed、mostLiked、mostCollected のいずれかを指定してください。",
	}
}

// NewInvalidParameterError は不正なクエリパラメータのエラーを生成する。
func NewInvalidParameterError(name, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("パラメータ %s の値が不正です: %s", name, value),
		Category: "validation",
		Action:   "数値パラメータには0以上の整数を指定してください。",
	}
}

// NewInvalidReactionError は不正なリアクション指定のエラーを生成する。
func NewInvalidReactionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReaction,
		Message:  fmt.Sprintf("リアクションの指定が不正です: %s", reason),
		Category: "reaction",
		Action:   "typeには like、favorite、view、operationには add、remove を指定してください。",
	}
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID int64) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %d", itemID),
		Category: "feed",
		Action:   "アイテムIDを確認してください。",
	}
}

// NewForbiddenError は所有者以外による操作のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このアイテムを操作する権限がありません。",
		Category: "feed",
		Action:   "自分が投稿したアイテムのみ編集・削除できます。",
	}
}

// NewUnauthorizedError は操作者を特定できない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewJobRunningError はリコンシリエーション実行中のエラーを生成する。
func NewJobRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeJobRunning,
		Message:  "カウンタ整合ジョブは既に実行中です。",
		Category: "system",
		Action:   "実行中のジョブの完了を待ってから再度お試しください。",
	}
}

// NewInvalidFieldError はリクエストボディの項目が不正な場合のエラーを生成する。
func NewInvalidFieldError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("%s が不正です: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
