package model

// PresenceState は接続状態を表す。
type PresenceState string

const (
	// PresenceOnline はオンライン状態。
	PresenceOnline PresenceState = "online"
	// PresenceOffline はオフライン状態。
	PresenceOffline PresenceState = "offline"
)

// PresenceSnapshot はプレゼンスレコードのスナップショット。
// キーは接続ID（ユーザーID）で、書き込み時点のセッショントークンを保持する。
type PresenceSnapshot struct {
	UID          string        `json:"uid"`
	State        PresenceState `json:"state"`
	SessionToken *string       `json:"session_token"`
}

// IsOffline はスナップショットがオフライン状態かを返す。nilの場合はfalse。
func (p *PresenceSnapshot) IsOffline() bool {
	return p != nil && p.State == PresenceOffline
}

// Token はセッショントークンを返す。欠落時は空文字列。
func (p *PresenceSnapshot) Token() string {
	if p == nil || p.SessionToken == nil {
		return ""
	}
	return *p.SessionToken
}
