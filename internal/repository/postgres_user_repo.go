package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/stockwatch/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
	tx *TxRunner
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
// txMaxAttemptsはセッショントークンクリア時の最大試行回数。
func NewPostgresUserRepo(db *sql.DB, txMaxAttempts int) *PostgresUserRepo {
	// REPEATABLE READでは同時更新された行のFOR UPDATEが40001で失敗するため、
	// 再試行で最新のトークンを読み直す
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	return &PostgresUserRepo{db: db, tx: NewTxRunner(db, opts, txMaxAttempts)}
}

const userColumns = `id, display_name, email, role, restaurant_id, is_disabled,
		        session_token, fcm_token, created_at`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// ListAdminsByRestaurant はレストランのowner/adminユーザーを作成日時順に返す。
func (r *PostgresUserRepo) ListAdminsByRestaurant(ctx context.Context, restaurantID string) ([]*model.User, error) {
	roles := make([]string, 0, len(model.AdminRoles))
	for _, role := range model.AdminRoles {
		roles = append(roles, string(role))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE restaurant_id = $1 AND role = ANY($2)
		 ORDER BY created_at, id`,
		restaurantID, pq.Array(roles),
	)
	if err != nil {
		return nil, fmt.Errorf("管理者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("管理者のスキャンに失敗しました: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("管理者一覧の読み取りに失敗しました: %w", err)
	}
	return users, nil
}

// ClearSessionTokenIfMatch は現在のsession_tokenがtokenと一致する場合のみNULLにする。
// 読み取りと書き込みは行ロックを取得した同一トランザクション内で行う。
func (r *PostgresUserRepo) ClearSessionTokenIfMatch(ctx context.Context, userID, token string) (SessionClearResult, error) {
	var result SessionClearResult
	err := r.tx.Run(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT session_token FROM users WHERE id = $1 FOR UPDATE`,
			userID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			result = SessionProfileMissing
			return nil
		}
		if err != nil {
			return fmt.Errorf("セッショントークンの取得に失敗しました: %w", err)
		}

		if !current.Valid || current.String != token {
			result = SessionSuperseded
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET session_token = NULL WHERE id = $1`,
			userID,
		); err != nil {
			return fmt.Errorf("セッショントークンのクリアに失敗しました: %w", err)
		}
		result = SessionCleared
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// ClearFCMTokenIfMatch はfcm_tokenがtokenと一致する場合のみNULLにする。
func (r *PostgresUserRepo) ClearFCMTokenIfMatch(ctx context.Context, userID, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET fcm_token = NULL WHERE id = $1 AND fcm_token = $2`,
		userID, token,
	)
	if err != nil {
		return false, fmt.Errorf("FCMトークンのクリアに失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("FCMトークンのクリア結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.User, error) {
	user := &model.User{}
	var displayName, email, restaurantID, sessionToken, fcmToken sql.NullString
	var role string
	if err := s.Scan(
		&user.ID, &displayName, &email, &role, &restaurantID, &user.IsDisabled,
		&sessionToken, &fcmToken, &user.CreatedAt,
	); err != nil {
		return nil, err
	}
	user.DisplayName = nullStringValue(displayName)
	user.Email = nullStringValue(email)
	user.Role = model.Role(role)
	user.RestaurantID = nullStringValue(restaurantID)
	user.SessionToken = nullStringPtr(sessionToken)
	user.FCMToken = nullStringPtr(fcmToken)
	return user, nil
}

// nullStringValue はsql.NullStringを文字列に変換する。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
