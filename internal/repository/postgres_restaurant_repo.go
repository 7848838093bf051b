package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRestaurantRepo はPostgreSQLを使用したレストランリポジトリ。
type PostgresRestaurantRepo struct {
	db *sql.DB
}

// NewPostgresRestaurantRepo はPostgresRestaurantRepoを生成する。
func NewPostgresRestaurantRepo(db *sql.DB) *PostgresRestaurantRepo {
	return &PostgresRestaurantRepo{db: db}
}

// Exists は指定IDのレストランが存在するかを返す。
func (r *PostgresRestaurantRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM restaurants WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("レストランの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}
