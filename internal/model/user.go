// Package model はドメインモデルを定義する。
package model

import "time"

// Role はレストラン内でのユーザーの役割を表す。
type Role string

const (
	// RoleOwner はレストランのオーナー。
	RoleOwner Role = "owner"
	// RoleAdmin はレストランの管理者。
	RoleAdmin Role = "admin"
	// RoleStaff は一般スタッフ。
	RoleStaff Role = "staff"
	// RolePending は参加承認待ちのユーザー。
	RolePending Role = "pending"
)

// AdminRoles は参加リクエスト通知の宛先となる役割の一覧。
var AdminRoles = []Role{RoleOwner, RoleAdmin}

// IsAdmin は役割が管理者権限を持つかを返す。
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}

// User はユーザープロフィールを表す。
// SessionTokenとFCMTokenは未設定の場合nil。
type User struct {
	ID           string
	DisplayName  string
	Email        string
	Role         Role
	RestaurantID string
	IsDisabled   bool
	SessionToken *string
	FCMToken     *string
	CreatedAt    time.Time
}

// Restaurant は参加リクエストの対象となるレストランを表す。
type Restaurant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// UserSnapshot は変更イベントに含まれるusers行のスナップショット。
// 行トリガーのto_jsonb(row)と同じキー名を持つ。
// すべてのフィールドは欠落し得るためポインタで保持する。
type UserSnapshot struct {
	ID           string  `json:"id"`
	DisplayName  *string `json:"display_name"`
	Email        *string `json:"email"`
	Role         *string `json:"role"`
	RestaurantID *string `json:"restaurant_id"`
	IsDisabled   *bool   `json:"is_disabled"`
	SessionToken *string `json:"session_token"`
	FCMToken     *string `json:"fcm_token"`
}

// Disabled はis_disabledフラグを返す。欠落時はfalse。
func (s *UserSnapshot) Disabled() bool {
	if s == nil || s.IsDisabled == nil {
		return false
	}
	return *s.IsDisabled
}
