package model

import "time"

// NotificationType は通知の種別タグ。
type NotificationType string

const (
	// NotificationJoinRequest は参加リクエスト受信通知。
	NotificationJoinRequest NotificationType = "joinRequest"
	// NotificationJoinRequestResponse は参加リクエストへの回答通知。
	NotificationJoinRequestResponse NotificationType = "joinRequestResponse"
	// NotificationStockEdit は在庫編集通知。
	NotificationStockEdit NotificationType = "stockEdit"
	// NotificationGeneric は種別未指定時にプッシュのdataへ設定する値。
	NotificationGeneric NotificationType = "generic"
)

// NotificationPayload は種別ごとの追加フィールド。
// 外部プロデューサーが書き込むため、すべて欠落し得る。
type NotificationPayload struct {
	QuantityBefore *float64 `json:"quantityBefore,omitempty"`
	QuantityAfter  *float64 `json:"quantityAfter,omitempty"`
	ItemName       *string  `json:"itemName,omitempty"`
	Reason         *string  `json:"reason,omitempty"`
	WasApproved    *bool    `json:"wasApproved,omitempty"`
}

// Notification はユーザーごとの通知レコードを表す。
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Type      NotificationType
	Body      *string
	Payload   NotificationPayload
	IsRead    bool
	CreatedAt time.Time
}

// NotificationSnapshot は変更イベントに含まれるnotifications行のスナップショット。
type NotificationSnapshot struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Title     *string             `json:"title"`
	Type      *string             `json:"type"`
	Body      *string             `json:"body"`
	Payload   NotificationPayload `json:"payload"`
	IsRead    *bool               `json:"is_read"`
	CreatedAt *time.Time          `json:"created_at"`
}

// ToNotification はスナップショットを通知モデルに変換する。
func (s *NotificationSnapshot) ToNotification() *Notification {
	n := &Notification{
		ID:      s.ID,
		UserID:  s.UserID,
		Body:    s.Body,
		Payload: s.Payload,
	}
	if s.Title != nil {
		n.Title = *s.Title
	}
	if s.Type != nil {
		n.Type = NotificationType(*s.Type)
	}
	if s.IsRead != nil {
		n.IsRead = *s.IsRead
	}
	if s.CreatedAt != nil {
		n.CreatedAt = *s.CreatedAt
	}
	return n
}
