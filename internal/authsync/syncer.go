// Package authsync はユーザープロフィールのis_disabledフラグを認可サブシステムへ反映する。
package authsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
)

// AuthorizationClient は認可サブシステムの操作インターフェース。
type AuthorizationClient interface {
	// RevokeCredentials は発行済みの資格情報をすべて失効させる。
	RevokeCredentials(ctx context.Context, userID string) error
	// SetEnabled はユーザーの有効/無効を設定する。
	SetEnabled(ctx context.Context, userID string, enabled bool) error
}

// 同期操作のラベル値
const (
	actionDisable = "disable"
	actionEnable  = "enable"
)

// Syncer はis_disabledの変化を認可サブシステムへ反映する。
// データストアには書き込まない。
type Syncer struct {
	client  AuthorizationClient
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewSyncer はSyncerを生成する。
func NewSyncer(client AuthorizationClient, logger *slog.Logger, m metrics.MetricsCollector) *Syncer {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Syncer{client: client, logger: logger, metrics: m}
}

// HandleEvent はusersの更新イベントを処理する。
func (s *Syncer) HandleEvent(ctx context.Context, ev *model.ChangeEvent) error {
	if !ev.HasBefore() || !ev.HasAfter() {
		return nil
	}
	var before, after model.UserSnapshot
	if err := json.Unmarshal(ev.Before, &before); err != nil {
		return fmt.Errorf("ユーザーの変更前スナップショットの解析に失敗しました: %w", err)
	}
	if err := json.Unmarshal(ev.After, &after); err != nil {
		return fmt.Errorf("ユーザーの変更後スナップショットの解析に失敗しました: %w", err)
	}
	return s.Sync(ctx, ev.Key, &before, &after)
}

// Sync はbeforeとafterのis_disabledを比較し、変化していれば認可サブシステムを更新する。
// 無効化では失効と無効化の両方を必ず試行し、それぞれの失敗を個別に記録する。
func (s *Syncer) Sync(ctx context.Context, userID string, before, after *model.UserSnapshot) error {
	if before.Disabled() == after.Disabled() {
		return nil
	}

	if after.Disabled() {
		return s.disable(ctx, userID)
	}
	return s.enable(ctx, userID)
}

func (s *Syncer) disable(ctx context.Context, userID string) error {
	var errs []error

	if err := s.client.RevokeCredentials(ctx, userID); err != nil {
		s.logger.Error("資格情報の失効に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("revoke credentials: %w", err))
	}

	if err := s.client.SetEnabled(ctx, userID, false); err != nil {
		s.logger.Error("ユーザーの無効化に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("disable user: %w", err))
	}

	if len(errs) > 0 {
		s.metrics.RecordAuthSync(actionDisable, "failed")
		return errors.Join(errs...)
	}

	s.metrics.RecordAuthSync(actionDisable, "ok")
	s.logger.Info("ユーザーを無効化しました", slog.String("user_id", userID))
	return nil
}

func (s *Syncer) enable(ctx context.Context, userID string) error {
	if err := s.client.SetEnabled(ctx, userID, true); err != nil {
		s.metrics.RecordAuthSync(actionEnable, "failed")
		return fmt.Errorf("enable user: %w", err)
	}
	s.metrics.RecordAuthSync(actionEnable, "ok")
	s.logger.Info("ユーザーを有効化しました", slog.String("user_id", userID))
	return nil
}
