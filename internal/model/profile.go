package model

import (
	"errors"
	"slices"
	"time"
)

// ErrProfileNotFound はプロフィール行が存在しないことを示す。
// サインアップ直後など想定内の状態であり、エラーとしてログ出力しない。
var ErrProfileNotFound = errors.New("profile not found")

// Profile はIdentity IDをキーとするユーザープロフィール。
// 永続化されたフィールドの正はリモートDB側にある。
type Profile struct {
	ID                    string
	Username              string
	FullName              string
	AvatarURL             string
	Email                 string
	StreakDays            int
	LongestStreak         int
	TotalMinutesMeditated int
	Level                 int
	PreferredCategories   []string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewProfileForIdentity はサインアップ直後の初期プロフィールを生成する。
func NewProfileForIdentity(identity *Identity, now time.Time) *Profile {
	return &Profile{
		ID:        identity.ID,
		Email:     identity.Email,
		Level:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Equal は2つのプロフィールが同一内容かを判定する。
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == nil && o == nil
	}
	return p.ID == o.ID &&
		p.Username == o.Username &&
		p.FullName == o.FullName &&
		p.AvatarURL == o.AvatarURL &&
		p.Email == o.Email &&
		p.StreakDays == o.StreakDays &&
		p.LongestStreak == o.LongestStreak &&
		p.TotalMinutesMeditated == o.TotalMinutesMeditated &&
		p.Level == o.Level &&
		slices.Equal(p.PreferredCategories, o.PreferredCategories) &&
		p.CreatedAt.Equal(o.CreatedAt) &&
		p.UpdatedAt.Equal(o.UpdatedAt)
}

// Clone はProfileのディープコピーを返す。
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.PreferredCategories = slices.Clone(p.PreferredCategories)
	return &c
}

// ProfileUpdate はプロフィール編集の部分更新を表す。
// nilフィールドは変更しない。
type ProfileUpdate struct {
	Username            *string
	FullName            *string
	AvatarURL           *string
	PreferredCategories []string
}

// Empty は更新対象のフィールドが1つもないかを返す。
func (u ProfileUpdate) Empty() bool {
	return u.Username == nil && u.FullName == nil && u.AvatarURL == nil && u.PreferredCategories == nil
}
