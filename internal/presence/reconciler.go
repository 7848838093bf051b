// Package presence はプレゼンスのオフライン遷移に合わせてセッショントークンを整合させる。
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/repository"
)

// SessionStore はセッショントークンのcompare-and-clearを提供するインターフェース。
type SessionStore interface {
	ClearSessionTokenIfMatch(ctx context.Context, userID, token string) (repository.SessionClearResult, error)
}

// Reconciler はプレゼンスがオフラインになったとき、
// オフライン直前のセッショントークンがまだ有効な場合のみそれをクリアする。
// 別端末で新しいセッションが始まっていればトークンは置き換わっているため何もしない。
type Reconciler struct {
	store   SessionStore
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(store SessionStore, logger *slog.Logger, m metrics.MetricsCollector) *Reconciler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Reconciler{store: store, logger: logger, metrics: m}
}

// HandleEvent はpresence_statusの変更イベントを処理する。
func (r *Reconciler) HandleEvent(ctx context.Context, ev *model.ChangeEvent) error {
	var before, after *model.PresenceSnapshot
	if ev.HasBefore() {
		before = &model.PresenceSnapshot{}
		if err := json.Unmarshal(ev.Before, before); err != nil {
			return fmt.Errorf("プレゼンスの変更前スナップショットの解析に失敗しました: %w", err)
		}
	}
	if ev.HasAfter() {
		after = &model.PresenceSnapshot{}
		if err := json.Unmarshal(ev.After, after); err != nil {
			return fmt.Errorf("プレゼンスの変更後スナップショットの解析に失敗しました: %w", err)
		}
	}
	return r.Reconcile(ctx, ev.Key, before, after)
}

// Reconcile はuidのプレゼンス変化を処理する。
// afterがオフラインでなければ何もしない。
func (r *Reconciler) Reconcile(ctx context.Context, uid string, before, after *model.PresenceSnapshot) error {
	if !after.IsOffline() {
		return nil
	}

	token := before.Token()
	if token == "" {
		r.logger.Info("オフラインになったユーザーにセッショントークンがありません",
			slog.String("user_id", uid),
		)
		return nil
	}

	result, err := r.store.ClearSessionTokenIfMatch(ctx, uid, token)
	if err != nil {
		return fmt.Errorf("セッショントークンのクリアに失敗しました (user_id=%s): %w", uid, err)
	}

	switch result {
	case repository.SessionCleared:
		r.metrics.RecordSessionTokenCleared()
		r.logger.Info("セッショントークンをクリアしました",
			slog.String("user_id", uid),
		)
	case repository.SessionSuperseded:
		r.logger.Info("新しいセッションでトークンが更新済みのため何もしません",
			slog.String("user_id", uid),
		)
	case repository.SessionProfileMissing:
		r.logger.Warn("ユーザープロフィールが存在しないため何もしません",
			slog.String("user_id", uid),
		)
	}
	return nil
}
