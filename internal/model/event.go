package model

import (
	"encoding/json"
	"time"
)

// EventKind は変更イベントの種類を表す。
type EventKind string

const (
	// EventCreated はレコードの作成。
	EventCreated EventKind = "created"
	// EventUpdated はレコードの更新。
	EventUpdated EventKind = "updated"
	// EventDeleted はレコードの削除。
	EventDeleted EventKind = "deleted"
	// EventWritten は作成・更新・削除のいずれにもマッチするルーティング用の種類。
	EventWritten EventKind = "written"
)

// 監視対象リソース名。change_events.resourceの値と一致する。
const (
	ResourceUsers         = "users"
	ResourcePresence      = "presence_status"
	ResourceNotifications = "notifications"
)

// EventKindFromOp はトリガーのTG_OP値をEventKindに変換する。
func EventKindFromOp(op string) EventKind {
	switch op {
	case "INSERT":
		return EventCreated
	case "UPDATE":
		return EventUpdated
	case "DELETE":
		return EventDeleted
	default:
		return EventKind("")
	}
}

// ChangeEvent は監視対象レコードの変更通知。
// Before/Afterはそれぞれ欠落し得る（作成時はBeforeなし、削除時はAfterなし）。
type ChangeEvent struct {
	ID         int64
	Resource   string
	Kind       EventKind
	Key        string
	Before     json.RawMessage
	After      json.RawMessage
	OccurredAt time.Time
}

// HasBefore は変更前スナップショットが存在するかを返す。
func (e *ChangeEvent) HasBefore() bool {
	return len(e.Before) > 0 && string(e.Before) != "null"
}

// HasAfter は変更後スナップショットが存在するかを返す。
func (e *ChangeEvent) HasAfter() bool {
	return len(e.After) > 0 && string(e.After) != "null"
}
