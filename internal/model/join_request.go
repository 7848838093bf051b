package model

import "time"

// JoinRequestStatus は参加リクエストの状態を表す。
type JoinRequestStatus string

const (
	// JoinRequestPending は承認待ち。
	JoinRequestPending JoinRequestStatus = "pending"
)

// JoinRequest はレストランへの参加リクエストを表す。
// (RestaurantID, UserID) で一意となり、再リクエストは上書きされる。
type JoinRequest struct {
	RestaurantID    string
	UserID          string
	UserDisplayName string
	UserEmail       string
	Status          JoinRequestStatus
	CreatedAt       time.Time
}
