package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stockwatch/internal/model"
)

// PostgresJoinRequestRepo はPostgreSQLを使用した参加リクエストリポジトリ。
type PostgresJoinRequestRepo struct {
	db *sql.DB
}

// NewPostgresJoinRequestRepo はPostgresJoinRequestRepoを生成する。
func NewPostgresJoinRequestRepo(db *sql.DB) *PostgresJoinRequestRepo {
	return &PostgresJoinRequestRepo{db: db}
}

// Upsert は参加リクエストを作成する。既存のリクエストがある場合は全項目を上書きする。
func (r *PostgresJoinRequestRepo) Upsert(ctx context.Context, req *model.JoinRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO join_requests (restaurant_id, user_id, user_display_name, user_email, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (restaurant_id, user_id) DO UPDATE SET
		     user_display_name = EXCLUDED.user_display_name,
		     user_email = EXCLUDED.user_email,
		     status = EXCLUDED.status,
		     created_at = EXCLUDED.created_at`,
		req.RestaurantID, req.UserID, req.UserDisplayName, req.UserEmail,
		string(req.Status), req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("参加リクエストの保存に失敗しました: %w", err)
	}
	return nil
}
