package model

import "time"

// AuthEventType は認証状態遷移イベントの種別。
type AuthEventType string

const (
	AuthEventInitialSession   AuthEventType = "INITIAL_SESSION"
	AuthEventSignedIn         AuthEventType = "SIGNED_IN"
	AuthEventSignedOut        AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed   AuthEventType = "TOKEN_REFRESHED"
	AuthEventUserUpdated      AuthEventType = "USER_UPDATED"
	AuthEventPasswordRecovery AuthEventType = "PASSWORD_RECOVERY"
)

// AuthEvent はIDプロバイダーのイベントストリームから届く1件の通知。
// SIGNED_OUTの場合Sessionはnil。
// IDはULIDで、到着順にソート可能。
type AuthEvent struct {
	ID         string
	Type       AuthEventType
	Session    *Session
	OccurredAt time.Time
}

// User はイベントが示すIdentityを返す。サインアウト時はnil。
func (e AuthEvent) User() *Identity {
	if e.Session == nil {
		return nil
	}
	return e.Session.User
}
