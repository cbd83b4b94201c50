package model

// SyncState は画面に公開される認証・プロフィール状態のタプル。
//
// 不変条件: Profile != nil ならば User != nil かつ Profile.ID == User.ID。
// Generation はIdentityが切り替わるたびに増加するエポック番号。
// Version は公開のたびに増加する。
type SyncState struct {
	User           *Identity
	Session        *Session
	Profile        *Profile
	AuthLoading    bool
	ProfileLoading bool
	Generation     uint64
	Version        uint64
}

// Consistent は不変条件を満たしているかを返す。
func (s SyncState) Consistent() bool {
	if s.Profile == nil {
		return true
	}
	return s.User != nil && s.Profile.ID == s.User.ID
}

// Clone は公開用のディープコピーを返す。
func (s SyncState) Clone() SyncState {
	c := s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	c.Session = s.Session.Clone()
	c.Profile = s.Profile.Clone()
	return c
}
