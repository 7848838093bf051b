package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し元に返す種別コード、機械可読な理由コード、対処方法を含む。
type APIError struct {
	Code     string // エラー種別コード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, restaurant, system
	Action   string // 呼び出し元向け対処方法
	Reason   string // 機械可読な理由コード（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// 定義済み理由コード
const (
	ReasonRestaurantNotFound = "RESTAURANT_NOT_FOUND"
)

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "The function must be called while authenticated.",
		Category: "auth",
		Action:   "Sign in and retry with a valid ID token.",
	}
}

// NewInvalidArgumentError は入力不正エラーを生成する。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("invalid argument: %s", reason),
		Category: "validation",
		Action:   "Check the request body.",
	}
}

// NewRestaurantNotFoundError はレストラン未検出エラーを生成する。
func NewRestaurantNotFoundError(restaurantID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("No restaurant with this ID exists: %s", restaurantID),
		Category: "restaurant",
		Action:   "Check the restaurant ID and try again.",
		Reason:   ReasonRestaurantNotFound,
	}
}

// NewInternalError は内部エラーの統一フォーマットを生成する。
// 詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Wait and retry after the time given in Retry-After.",
	}
}
