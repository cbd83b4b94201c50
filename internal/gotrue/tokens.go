package gotrue

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/mindful/internal/model"
)

// accessTokenClaims はアクセストークンから読み取るクレーム。
type accessTokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// parseAccessToken はアクセストークンのクレームを署名検証なしで読み取る。
// トークンの正当性はIDプロバイダーとリモートDB側で検証される。
func parseAccessToken(token string) (*accessTokenClaims, error) {
	claims := &accessTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return claims, nil
}

// identityFromToken はアクセストークンのsub・emailからIdentityを組み立てる。
func identityFromToken(token string) (*model.Identity, error) {
	claims, err := parseAccessToken(token)
	if err != nil {
		return nil, err
	}
	return &model.Identity{ID: claims.Subject, Email: claims.Email}, nil
}

// expiryFromToken はアクセストークンのexpを返す。読み取れない場合はゼロ値。
func expiryFromToken(token string) time.Time {
	claims, err := parseAccessToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
