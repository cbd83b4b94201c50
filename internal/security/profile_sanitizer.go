// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はリモートDBから取得したプロフィールの利用者入力フィールドを
// 画面に公開する前に無害化する。SSRFGuard はアバター画像の取得先を制限する。
package security

import (
	"html"
	"strings"

	"github.com/hitoshi/mindful/internal/model"
	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
// 同一入力に対して常に同一出力を返す。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
	urls   URLValidator
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// urlsがnilの場合はアバターURLを検証しない。
func NewProfileSanitizer(urls URLValidator) *ProfileSanitizer {
	return &ProfileSanitizer{
		policy: bluemonday.StrictPolicy(),
		urls:   urls,
	}
}

// SanitizeText はHTMLタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
func (s *ProfileSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// SanitizeProfile はプロフィールのコピーを無害化して返す。元のプロフィールは変更しない。
// 安全でないアバターURLは空文字列に置き換える。
func (s *ProfileSanitizer) SanitizeProfile(p *model.Profile) *model.Profile {
	if p == nil {
		return nil
	}
	c := p.Clone()
	c.Username = s.SanitizeText(c.Username)
	c.FullName = s.SanitizeText(c.FullName)

	if c.AvatarURL != "" && s.urls != nil {
		if err := s.urls.ValidateURL(c.AvatarURL); err != nil {
			c.AvatarURL = ""
		}
	}

	if len(c.PreferredCategories) > 0 {
		cats := c.PreferredCategories[:0]
		for _, cat := range c.PreferredCategories {
			if v := s.SanitizeText(cat); v != "" {
				cats = append(cats, v)
			}
		}
		c.PreferredCategories = cats
	}
	return c
}
