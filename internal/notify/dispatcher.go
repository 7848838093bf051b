package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/push"
)

// RecipientStore は通知の宛先ユーザーを参照・更新するインターフェース。
type RecipientStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	ClearFCMTokenIfMatch(ctx context.Context, userID, token string) (bool, error)
}

// Pusher はプッシュ通知の送信インターフェース。
type Pusher interface {
	Send(ctx context.Context, msg push.Message) (string, error)
}

// Dispatcher は通知レコードの作成ごとに宛先端末へ1回だけ送信を試みる。
// 送信に再試行はなく、結果はログとメトリクスにのみ残す。
type Dispatcher struct {
	store   RecipientStore
	pusher  Pusher
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(store RecipientStore, pusher Pusher, logger *slog.Logger, m metrics.MetricsCollector) *Dispatcher {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{store: store, pusher: pusher, logger: logger, metrics: m}
}

// HandleEvent はnotificationsの作成イベントを処理する。
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *model.ChangeEvent) error {
	if !ev.HasAfter() {
		return nil
	}
	var snap model.NotificationSnapshot
	if err := json.Unmarshal(ev.After, &snap); err != nil {
		return fmt.Errorf("通知スナップショットの解析に失敗しました: %w", err)
	}
	return d.Deliver(ctx, snap.ToNotification())
}

// Deliver は通知を宛先ユーザーの端末へ送信する。
// 宛先の端末トークンが恒久的に無効な場合、トークンがまだ同じ値であればクリアする。
func (d *Dispatcher) Deliver(ctx context.Context, n *model.Notification) error {
	user, err := d.store.FindByID(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("宛先ユーザーの取得に失敗しました (user_id=%s): %w", n.UserID, err)
	}
	if user == nil {
		d.metrics.RecordPush(metrics.PushSkipped)
		d.logger.Warn("宛先ユーザーが見つかりません",
			slog.String("user_id", n.UserID),
			slog.String("notification_id", n.ID),
		)
		return nil
	}
	if user.FCMToken == nil || *user.FCMToken == "" {
		d.metrics.RecordPush(metrics.PushSkipped)
		d.logger.Warn("宛先ユーザーのFCMトークンがありません",
			slog.String("user_id", n.UserID),
			slog.String("notification_id", n.ID),
		)
		return nil
	}
	token := *user.FCMToken

	_, err = d.pusher.Send(ctx, push.Message{
		Token: token,
		Title: n.Title,
		Body:  FormatBody(n),
		Data:  map[string]string{"type": DataType(n)},
	})
	if err == nil {
		d.metrics.RecordPush(metrics.PushSent)
		d.logger.Info("プッシュ通知を送信しました",
			slog.String("user_id", n.UserID),
			slog.String("notification_id", n.ID),
		)
		return nil
	}

	if !errors.Is(err, push.ErrTokenNotRegistered) {
		d.metrics.RecordPush(metrics.PushFailed)
		return fmt.Errorf("プッシュ通知の送信に失敗しました (user_id=%s): %w", n.UserID, err)
	}

	d.metrics.RecordPush(metrics.PushUnregistered)
	d.logger.Warn("無効なFCMトークンを削除します",
		slog.String("user_id", n.UserID),
		slog.String("notification_id", n.ID),
	)
	cleared, err := d.store.ClearFCMTokenIfMatch(ctx, n.UserID, token)
	if err != nil {
		return fmt.Errorf("無効なFCMトークンの削除に失敗しました (user_id=%s): %w", n.UserID, err)
	}
	if !cleared {
		d.logger.Info("FCMトークンは既に更新済みのため削除しませんでした",
			slog.String("user_id", n.UserID),
		)
	}
	return nil
}
