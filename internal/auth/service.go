// Package auth は画面とHTTPブリッジが利用する認証・プロフィール同期の窓口を提供する。
// セッションストアとプロフィール同期を1つの公開状態の上で組み合わせる。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/profile"
	"github.com/hitoshi/mindful/internal/repository"
	"github.com/hitoshi/mindful/internal/security"
	"github.com/hitoshi/mindful/internal/session"
	"github.com/hitoshi/mindful/internal/state"
)

const (
	maxUsernameLength = 64
	maxFullNameLength = 255
	maxCategories     = 20
	maxCategoryLength = 64
)

// ProfileWriter はプロフィール編集の書き込みインターフェース。
type ProfileWriter interface {
	UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error)
}

// Service は認証コマンドとプロフィール同期の窓口。
type Service struct {
	sessions *session.Store
	profiles *profile.Synchronizer
	writer   ProfileWriter
	urls     security.URLValidator
	state    *state.Store
	logger   *slog.Logger
}

// NewService はServiceを生成する。
// urlsがnilの場合はアバターURLの検証を行わない。
func NewService(
	sessions *session.Store,
	profiles *profile.Synchronizer,
	writer ProfileWriter,
	urls security.URLValidator,
	st *state.Store,
	logger *slog.Logger,
) *Service {
	return &Service{
		sessions: sessions,
		profiles: profiles,
		writer:   writer,
		urls:     urls,
		state:    st,
		logger:   logger,
	}
}

// Start は認証イベントの購読を開始してから既存セッションを確認する。
// Identityの変化はプロフィール同期に通知される。
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.sessions.Subscribe(s.profiles.OnIdentityChanged); err != nil {
		return err
	}
	s.sessions.Initialize(ctx)

	st := s.state.Snapshot()
	s.logger.Info("auth service started",
		slog.Bool("signed_in", st.User != nil),
	)
	return nil
}

// State は現在の公開状態を返す。
func (s *Service) State() model.SyncState {
	return s.state.Snapshot()
}

// Watch は公開状態の変化を受け取るチャネルを返す。ctxの終了で閉じられる。
func (s *Service) Watch(ctx context.Context) <-chan model.SyncState {
	return s.state.Watch(ctx)
}

// SignUp はアカウントを作成し、作成したプロフィールを即座に反映する。
// サインインイベントがまだ届いていない場合、反映はイベント経由の取得に任せる。
func (s *Service) SignUp(ctx context.Context, email, password string) error {
	created, err := s.sessions.SignUp(ctx, email, password)
	if err != nil {
		return err
	}

	if err := s.profiles.SetDirect(created); err != nil {
		if errors.Is(err, profile.ErrIdentityMismatch) {
			s.logger.Debug("sign up profile not applied, waiting for sign in event",
				slog.String("user_id", created.ID),
			)
			return nil
		}
		return err
	}
	return nil
}

// SignIn はサインインする。
func (s *Service) SignIn(ctx context.Context, email, password string) error {
	return s.sessions.SignIn(ctx, email, password)
}

// SignOut はサインアウトする。
func (s *Service) SignOut(ctx context.Context) error {
	return s.sessions.SignOut(ctx)
}

// ResetPassword はパスワードリセットメールの送信を依頼する。
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	return s.sessions.ResetPassword(ctx, email)
}

// RefetchProfile は現在のユーザーのプロフィールを取り直す。
func (s *Service) RefetchProfile(ctx context.Context) error {
	return s.profiles.Refetch(ctx)
}

// SetProfileDirect は既知のプロフィールを取得を経ずに反映する。
func (s *Service) SetProfileDirect(p *model.Profile) error {
	return s.profiles.SetDirect(p)
}

// UpdateProfile は現在のユーザーのプロフィールを更新し、取り直した結果を返す。
func (s *Service) UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error) {
	user := s.state.Snapshot().User
	if user == nil {
		apiErr := model.NewNotAuthenticatedError()
		apiErr.Cause = profile.ErrNoIdentity
		return nil, apiErr
	}
	update, err := s.normalizeUpdate(update)
	if err != nil {
		return nil, err
	}

	if _, err := s.writer.UpdateProfile(ctx, user.ID, update); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, model.NewValidationError("このユーザー名は既に使われています。")
		}
		s.logger.Error("failed to update profile",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileUpdateFailedError(err)
	}

	if err := s.profiles.Refetch(ctx); err != nil {
		return nil, err
	}

	st := s.state.Snapshot()
	if st.User == nil || st.User.ID != user.ID {
		apiErr := model.NewNotAuthenticatedError()
		apiErr.Cause = profile.ErrNoIdentity
		return nil, apiErr
	}
	s.logger.Info("profile updated", slog.String("user_id", user.ID))
	return st.Profile, nil
}

// normalizeUpdate は入力を検証し、ユーザー名の前後の空白を除いた更新内容を返す。
func (s *Service) normalizeUpdate(update model.ProfileUpdate) (model.ProfileUpdate, error) {
	if update.Empty() {
		return update, model.NewValidationError("更新する項目がありません。")
	}
	if update.Username != nil {
		name := strings.TrimSpace(*update.Username)
		if name == "" {
			return update, model.NewValidationError("ユーザー名を入力してください。")
		}
		if utf8.RuneCountInString(name) > maxUsernameLength {
			return update, model.NewValidationError("ユーザー名が長すぎます。")
		}
		update.Username = &name
	}
	if update.FullName != nil && utf8.RuneCountInString(*update.FullName) > maxFullNameLength {
		return update, model.NewValidationError("氏名が長すぎます。")
	}
	if update.AvatarURL != nil && *update.AvatarURL != "" && s.urls != nil {
		if err := s.urls.ValidateURL(*update.AvatarURL); err != nil {
			apiErr := model.NewValidationError("アバターURLが不正です。")
			apiErr.Cause = err
			return update, apiErr
		}
	}
	if len(update.PreferredCategories) > maxCategories {
		return update, model.NewValidationError("カテゴリが多すぎます。")
	}
	for _, c := range update.PreferredCategories {
		if c == "" || utf8.RuneCountInString(c) > maxCategoryLength {
			return update, model.NewValidationError("カテゴリ名が不正です。")
		}
	}
	return update, nil
}

// Close は購読を解放し、実行中のプロフィール取得の終了を待つ。
func (s *Service) Close() {
	s.sessions.Close()
	s.profiles.Close()
}
