// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/stockwatch/internal/model"
)

// SessionClearResult はセッショントークンのcompare-and-clearの結果。
type SessionClearResult int

const (
	// SessionCleared はトークンが一致し、クリアした。
	SessionCleared SessionClearResult = iota
	// SessionSuperseded は新しいセッションのトークンに置き換わっていたため何もしなかった。
	SessionSuperseded
	// SessionProfileMissing はユーザープロフィールが存在しなかった。
	SessionProfileMissing
)

// String はログ出力用の名前を返す。
func (r SessionClearResult) String() string {
	switch r {
	case SessionCleared:
		return "cleared"
	case SessionSuperseded:
		return "superseded"
	case SessionProfileMissing:
		return "profile_missing"
	default:
		return "unknown"
	}
}

// UserRepository はユーザープロフィールの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// ListAdminsByRestaurant はレストランに所属するowner/adminのユーザーを返す。
	ListAdminsByRestaurant(ctx context.Context, restaurantID string) ([]*model.User, error)

	// ClearSessionTokenIfMatch はトランザクション内で現在のsession_tokenを読み、
	// tokenと一致する場合のみNULLにする。競合時は上限回数まで再試行する。
	ClearSessionTokenIfMatch(ctx context.Context, userID, token string) (SessionClearResult, error)

	// ClearFCMTokenIfMatch はfcm_tokenがtokenと一致する場合のみNULLにする。
	// 他のカラムは変更しない。クリアした場合trueを返す。
	ClearFCMTokenIfMatch(ctx context.Context, userID, token string) (bool, error)
}

// RestaurantRepository はレストランの参照インターフェース。
type RestaurantRepository interface {
	// Exists は指定IDのレストランが存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)
}

// JoinRequestRepository は参加リクエストの永続化インターフェース。
type JoinRequestRepository interface {
	// Upsert は(restaurant_id, user_id)をキーに参加リクエストを作成または上書きする。
	Upsert(ctx context.Context, req *model.JoinRequest) error
}

// NotificationRepository は通知レコードの永続化インターフェース。
type NotificationRepository interface {
	// CreateBatch は複数の通知を単一トランザクションで作成する。
	// 1件でも失敗した場合はすべてロールバックする。
	CreateBatch(ctx context.Context, notifications []*model.Notification) error
}

// ChangeEventRepository は変更イベントアウトボックスの操作インターフェース。
type ChangeEventRepository interface {
	// Claim は未処理またはリース切れのイベントを最大limit件、id昇順でリースする。
	// 同じキーに対してリース中のより古いイベントがある場合、そのキーのイベントは返さない。
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.ChangeEvent, error)

	// Ack は処理済みのイベントを削除する。
	Ack(ctx context.Context, id int64) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
