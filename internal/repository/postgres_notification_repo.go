package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/stockwatch/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// CreateBatch は複数の通知を単一トランザクションで作成する。
// 挿入はnotificationsトリガー経由で通知配信イベントを発生させる。
func (r *PostgresNotificationRepo) CreateBatch(ctx context.Context, notifications []*model.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (id, user_id, title, type, body, payload, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	)
	if err != nil {
		return fmt.Errorf("通知挿入文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, n := range notifications {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.UserID, n.Title, string(n.Type), n.Body, payload, n.IsRead, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("通知の作成に失敗しました (user_id=%s): %w", n.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("通知のコミットに失敗しました: %w", err)
	}
	return nil
}
