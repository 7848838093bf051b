// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/joinrequest"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/model"
)

// JoinRequester は参加リクエストハンドラーが必要とするサービスインターフェース。
type JoinRequester interface {
	RequestToJoin(ctx context.Context, caller joinrequest.Caller, restaurantID string) (*joinrequest.Result, error)
}

// JoinHandler は参加リクエストのHTTPハンドラー。
type JoinHandler struct {
	service JoinRequester
}

// NewJoinHandler はJoinHandlerを生成する。
func NewJoinHandler(service JoinRequester) *JoinHandler {
	return &JoinHandler{service: service}
}

// joinRequestBody は参加リクエストのボディ。
type joinRequestBody struct {
	RestaurantID string `json:"restaurantId"`
}

// RequestToJoin は呼び出し元をレストランへの参加希望者として登録する。
// POST /api/join-requests
func (h *JoinHandler) RequestToJoin(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	var body joinRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidArgumentError("request body must be a JSON object"))
		return
	}

	caller := joinrequest.Caller{
		UserID: userID,
		Email:  middleware.EmailFromContext(r.Context()),
	}
	result, err := h.service.RequestToJoin(r.Context(), caller, body.RestaurantID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleServiceError はサービス層のエラーを適切なHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
