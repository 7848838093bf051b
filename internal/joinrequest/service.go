// Package joinrequest はレストランへの参加リクエストと管理者への通知ファンアウトを提供する。
package joinrequest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/repository"
	"github.com/hitoshi/stockwatch/internal/security"
)

const (
	// FallbackDisplayName はプロフィールに表示名がない場合の名前。
	FallbackDisplayName = "No Name"
	// NotificationTitle は管理者へ送る通知のタイトル。
	NotificationTitle = "New Join Request"
)

// 結果のメトリクスラベル値
const (
	resultSuccess         = "success"
	resultUnauthenticated = "unauthenticated"
	resultInvalid         = "invalid_argument"
	resultNotFound        = "not_found"
	resultFanoutFailed    = "fanout_failed"
	resultError           = "error"
)

// Caller は検証済みトークンから得た呼び出し元の情報。
type Caller struct {
	UserID string
	Email  string
}

// Result は参加リクエストの結果。
type Result struct {
	Success bool `json:"success"`
}

// Service は参加リクエストのワークフロー。
type Service struct {
	restaurants   repository.RestaurantRepository
	users         repository.UserRepository
	joinRequests  repository.JoinRequestRepository
	notifications repository.NotificationRepository
	sanitizer     security.TextSanitizer
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	now           func() time.Time
	newID         func() string
}

// NewService はServiceを生成する。
func NewService(
	restaurants repository.RestaurantRepository,
	users repository.UserRepository,
	joinRequests repository.JoinRequestRepository,
	notifications repository.NotificationRepository,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		restaurants:   restaurants,
		users:         users,
		joinRequests:  joinRequests,
		notifications: notifications,
		sanitizer:     sanitizer,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// RequestToJoin は呼び出し元をレストランの参加待ちとして登録し、全管理者に通知を作成する。
// 参加リクエストの保存後に通知作成が失敗した場合、参加リクエストは残したまま内部エラーを返す。
// 通知は全管理者分を単一トランザクションで作成する。
func (s *Service) RequestToJoin(ctx context.Context, caller Caller, restaurantID string) (*Result, error) {
	if caller.UserID == "" {
		s.metrics.RecordJoinRequest(resultUnauthenticated)
		return nil, model.NewUnauthenticatedError()
	}

	restaurantID = strings.TrimSpace(restaurantID)
	if restaurantID == "" {
		s.metrics.RecordJoinRequest(resultInvalid)
		return nil, model.NewInvalidArgumentError("restaurantId is required")
	}

	exists, err := s.restaurants.Exists(ctx, restaurantID)
	if err != nil {
		return nil, s.internal("failed to check restaurant", err, caller, restaurantID)
	}
	if !exists {
		s.metrics.RecordJoinRequest(resultNotFound)
		return nil, model.NewRestaurantNotFoundError(restaurantID)
	}

	profile, err := s.users.FindByID(ctx, caller.UserID)
	if err != nil {
		return nil, s.internal("failed to load caller profile", err, caller, restaurantID)
	}
	if profile == nil {
		s.logger.Warn("caller profile not found, using fallback name",
			slog.String("user_id", caller.UserID),
		)
	}

	displayName := s.displayName(profile)
	now := s.now()

	req := &model.JoinRequest{
		RestaurantID:    restaurantID,
		UserID:          caller.UserID,
		UserDisplayName: displayName,
		UserEmail:       callerEmail(caller, profile),
		Status:          model.JoinRequestPending,
		CreatedAt:       now,
	}
	if err := s.joinRequests.Upsert(ctx, req); err != nil {
		return nil, s.internal("failed to save join request", err, caller, restaurantID)
	}

	admins, err := s.users.ListAdminsByRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, s.internal("failed to list restaurant admins", err, caller, restaurantID)
	}
	if len(admins) == 0 {
		s.logger.Info("no admins found for restaurant",
			slog.String("restaurant_id", restaurantID),
		)
		s.metrics.RecordJoinRequest(resultSuccess)
		return &Result{Success: true}, nil
	}

	body := fmt.Sprintf("%s has requested to join your restaurant.", displayName)
	batch := make([]*model.Notification, 0, len(admins))
	for _, admin := range admins {
		b := body
		batch = append(batch, &model.Notification{
			ID:        s.newID(),
			UserID:    admin.ID,
			Title:     NotificationTitle,
			Type:      model.NotificationJoinRequest,
			Body:      &b,
			IsRead:    false,
			CreatedAt: now,
		})
	}

	if err := s.notifications.CreateBatch(ctx, batch); err != nil {
		s.logger.Error("failed to notify restaurant admins",
			slog.String("user_id", caller.UserID),
			slog.String("restaurant_id", restaurantID),
			slog.Int("admin_count", len(admins)),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordJoinRequest(resultFanoutFailed)
		return nil, model.NewInternalError()
	}

	s.metrics.RecordNotificationsQueued(len(batch))
	s.metrics.RecordJoinRequest(resultSuccess)
	s.logger.Info("join request created",
		slog.String("user_id", caller.UserID),
		slog.String("restaurant_id", restaurantID),
		slog.Int("admin_count", len(admins)),
	)
	return &Result{Success: true}, nil
}

func (s *Service) displayName(profile *model.User) string {
	if profile == nil {
		return FallbackDisplayName
	}
	name := profile.DisplayName
	if s.sanitizer != nil {
		name = s.sanitizer.Sanitize(name)
	}
	if name == "" {
		return FallbackDisplayName
	}
	return name
}

// callerEmail は検証済みトークンのメールアドレスを優先し、なければプロフィールの値を返す。
func callerEmail(caller Caller, profile *model.User) string {
	if caller.Email != "" {
		return caller.Email
	}
	if profile != nil {
		return profile.Email
	}
	return ""
}

// internal は詳細をログに残し、呼び出し元には汎用の内部エラーを返す。
func (s *Service) internal(msg string, err error, caller Caller, restaurantID string) error {
	s.logger.Error(msg,
		slog.String("user_id", caller.UserID),
		slog.String("restaurant_id", restaurantID),
		slog.String("error", err.Error()),
	)
	s.metrics.RecordJoinRequest(resultError)
	return model.NewInternalError()
}
