// Package session は「誰が、どのセッションで認証済みか」という唯一の正を管理する。
// 起動時のセッション確認、IDプロバイダーの認証イベント購読、
// サインアップ・サインイン・サインアウト・パスワードリセットの各コマンドを提供する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/mindful/internal/metrics"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/state"
)

// ErrAlreadySubscribed は認証イベントの購読が既に有効な状態で再購読しようとした場合のエラー。
var ErrAlreadySubscribed = errors.New("auth state subscription already active")

// Subscription はIDプロバイダーのイベントリスナー登録ハンドル。
type Subscription interface {
	Unsubscribe()
}

// IdentityProvider はリモートのIDプロバイダーのインターフェース。
type IdentityProvider interface {
	// GetSession は現在保持しているセッションを返す。セッションがなければnil。
	GetSession(ctx context.Context) (*model.Session, error)
	// OnAuthStateChange は認証状態遷移イベントのリスナーを登録する。
	OnAuthStateChange(fn func(model.AuthEvent)) Subscription
	SignUp(ctx context.Context, email, password string) (*model.Identity, *model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email string) error
}

// ProfileCreator はサインアップ直後のプロフィール行作成のインターフェース。
// 既に行が存在する場合もエラーにせず、既存の行を返すこと。
type ProfileCreator interface {
	InsertProfileRow(ctx context.Context, identity *model.Identity) (*model.Profile, error)
}

// Store はuser・sessionの組を保持するセッションストア。
// プロセス全体で1つだけ生成し、Closeで購読を解放する。
type Store struct {
	provider IdentityProvider
	profiles ProfileCreator
	state    *state.Store
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	// busy は実行中の認証操作数。stateのロックの下でのみ参照する。
	busy int

	subMu      sync.Mutex
	subscribed bool
	cancel     func()
	onChange   func(*model.Identity)
}

// NewStore はStoreを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewStore(
	provider IdentityProvider,
	profiles ProfileCreator,
	st *state.Store,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Store {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Store{
		provider: provider,
		profiles: profiles,
		state:    st,
		logger:   logger,
		metrics:  collector,
	}
}

// Initialize はIDプロバイダーに既存セッションを1回だけ問い合わせる。
// 成功時は結果（nilの場合もある）をuser・sessionに反映し、失敗時は両方をクリアする。
// 失敗はログに記録するのみで呼び出し元には返さず、自動リトライもしない。
// AuthLoadingは問い合わせ中のみtrueになる。
func (s *Store) Initialize(ctx context.Context) {
	s.begin()
	defer s.end()

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Error("failed to get session",
			slog.String("error", err.Error()),
		)
		s.metrics.RecordProbe(false)
		s.notify(s.apply(nil))
		return
	}

	s.metrics.RecordProbe(true)
	user := s.apply(sess)
	s.logger.Info("initial session checked",
		slog.Bool("has_session", user != nil),
	)
	s.notify(user)
}

// Subscribe はIDプロバイダーの認証イベントストリームにリスナーを1つだけ登録する。
// イベントごとにuser・sessionを置き換え、onChangeに新しいユーザーを渡す。
// 返されるcancelは何度呼んでも安全で、2回目以降は何もしない。
// 購読が有効な間に再度呼ぶとErrAlreadySubscribedを返す。
func (s *Store) Subscribe(onChange func(*model.Identity)) (func(), error) {
	s.subMu.Lock()
	if s.subscribed {
		s.subMu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s.subscribed = true
	s.onChange = onChange
	s.subMu.Unlock()

	handle := s.provider.OnAuthStateChange(s.handleEvent)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			handle.Unsubscribe()
			s.subMu.Lock()
			s.subscribed = false
			s.onChange = nil
			s.cancel = nil
			s.subMu.Unlock()
			s.logger.Info("auth state subscription released")
		})
	}

	s.subMu.Lock()
	s.cancel = cancel
	s.subMu.Unlock()
	return cancel, nil
}

// Close は有効な購読があれば解放する。
func (s *Store) Close() {
	s.subMu.Lock()
	cancel := s.cancel
	s.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleEvent は認証イベントを1件反映する。
// 反映は完了順に行われ、後から完了した書き込みが常に優先される。
func (s *Store) handleEvent(ev model.AuthEvent) {
	s.metrics.RecordAuthEvent(string(ev.Type))

	sess := ev.Session
	if ev.Type == model.AuthEventSignedOut {
		sess = nil
	}
	user := s.apply(sess)

	s.logger.Info("auth state changed",
		slog.String("event", string(ev.Type)),
		slog.String("event_id", ev.ID),
		slog.Bool("has_session", user != nil),
	)
	s.notify(user)
}

// apply はuser・sessionを1回の公開で置き換え、新しいユーザーを返す。
func (s *Store) apply(sess *model.Session) *model.Identity {
	var user *model.Identity
	if sess != nil && sess.User != nil {
		user = sess.User
	} else {
		sess = nil
	}
	s.state.Update(func(st *model.SyncState) bool {
		st.User = user
		st.Session = sess
		return true
	})
	return user
}

func (s *Store) notify(user *model.Identity) {
	s.subMu.Lock()
	fn := s.onChange
	s.subMu.Unlock()
	if fn != nil {
		fn(user)
	}
}

// begin は認証操作の開始を記録し、AuthLoadingをtrueにする。
func (s *Store) begin() {
	s.state.Update(func(st *model.SyncState) bool {
		s.busy++
		if st.AuthLoading {
			return false
		}
		st.AuthLoading = true
		return true
	})
}

// end は認証操作の終了を記録し、実行中の操作がなくなればAuthLoadingをfalseにする。
func (s *Store) end() {
	s.state.Update(func(st *model.SyncState) bool {
		s.busy--
		if s.busy > 0 || !st.AuthLoading {
			return false
		}
		st.AuthLoading = false
		return true
	})
}

// SignUp はアカウントを作成し、返されたIdentityのプロフィール行を作成する。
// 状態変化はIDプロバイダーのイベント経由で反映されるため、ここではuser・sessionを変更しない。
// 作成されたプロフィールを返す（呼び出し元がSetDirectで即時反映できるように）。
func (s *Store) SignUp(ctx context.Context, email, password string) (*model.Profile, error) {
	if err := ValidateCredentials(email, password); err != nil {
		return nil, err
	}

	s.begin()
	defer s.end()

	identity, _, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, s.fail("sign_up", model.NewSignUpFailedError(err))
	}
	if identity == nil {
		return nil, s.fail("sign_up", model.NewSignUpFailedError(errors.New("sign up returned no user")))
	}

	s.logger.Info("sign up succeeded, creating profile",
		slog.String("user_id", identity.ID),
	)

	profile, err := s.profiles.InsertProfileRow(ctx, identity)
	if err != nil {
		return nil, s.fail("sign_up", model.NewSignUpFailedError(fmt.Errorf("failed to create profile: %w", err)))
	}
	return profile, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
// 失敗時は既存のセッションに手を付けない。
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	if err := ValidateCredentials(email, password); err != nil {
		return err
	}

	s.begin()
	defer s.end()

	if _, err := s.provider.SignInWithPassword(ctx, email, password); err != nil {
		return s.fail("sign_in", model.NewSignInFailedError(err))
	}
	return nil
}

// SignOut はサインアウトする。
func (s *Store) SignOut(ctx context.Context) error {
	s.begin()
	defer s.end()

	if err := s.provider.SignOut(ctx); err != nil {
		return s.fail("sign_out", model.NewSignOutFailedError(err))
	}
	return nil
}

// ResetPassword はパスワードリセットメールの送信を依頼する。
// 失敗してもuser・sessionは変更しない。
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}

	s.begin()
	defer s.end()

	if err := s.provider.ResetPasswordForEmail(ctx, email); err != nil {
		return s.fail("reset_password", model.NewResetPasswordFailedError(err))
	}
	return nil
}

func (s *Store) fail(command string, apiErr *model.APIError) error {
	s.metrics.RecordCommandFailure(command)
	s.logger.Warn("auth command failed",
		slog.String("command", command),
		slog.String("code", apiErr.Code),
		slog.Any("error", apiErr.Cause),
	)
	return apiErr
}
