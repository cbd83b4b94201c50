// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は認証済みのプリンシパルを表す。
// IDプロバイダーが発行し、再認証時は置き換えられる（変更されない）。
type Identity struct {
	ID    string
	Email string
}

// SameIdentity は2つのIdentityが同一のプリンシパルを指すかを判定する。
// 両方nilの場合も同一とみなす。
func SameIdentity(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

// Session はIdentityが現在認証済みであることを示すトークン一式を表す。
// 有効期限とリフレッシュはIDプロバイダーが管理する。
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         *Identity
}

// Expired はnow時点でアクセストークンが期限切れかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ExpiresWithin はnowからmargin以内に期限切れになるかを返す。
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(margin))
}

// Clone はSessionのディープコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}
