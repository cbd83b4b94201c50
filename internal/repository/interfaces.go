// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/mindful/internal/model"
)

// ErrUsernameTaken は他のユーザーが既に使用しているユーザー名に更新しようとした場合のエラー。
var ErrUsernameTaken = errors.New("username already taken")

// ProfileRepository はプロフィールデータの永続化インターフェース。
type ProfileRepository interface {
	// SelectProfileByID は指定IDのプロフィールを取得する。
	// 見つからない場合（IDがUUID形式でない場合を含む）はmodel.ErrProfileNotFoundを返す。
	SelectProfileByID(ctx context.Context, id string) (*model.Profile, error)

	// InsertProfileRow はIdentityに対応する初期プロフィール行を作成する。
	// 既に行が存在する場合は何もせず既存の行を返す。
	InsertProfileRow(ctx context.Context, identity *model.Identity) (*model.Profile, error)

	// UpdateProfile はプロフィールを部分更新し、更新後の行を返す。
	// nilフィールドは変更しない。
	UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error)
}
