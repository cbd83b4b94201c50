package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/mindful/internal/avatar"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/state"
)

// --- モック定義 ---

type mockAuthService struct {
	signUpFn        func(ctx context.Context, email, password string) error
	signInFn        func(ctx context.Context, email, password string) error
	signOutFn       func(ctx context.Context) error
	resetPasswordFn func(ctx context.Context, email string) error
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password string) error {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return nil
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil
}

func (m *mockAuthService) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, email string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email)
	}
	return nil
}

type mockProfileService struct {
	refetchFn func(ctx context.Context) error
	updateFn  func(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error)
}

func (m *mockProfileService) RefetchProfile(ctx context.Context) error {
	if m.refetchFn != nil {
		return m.refetchFn(ctx)
	}
	return nil
}

func (m *mockProfileService) UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, update)
	}
	return nil, nil
}

type mockAvatarFetcher struct {
	fetchFn func(ctx context.Context, rawURL string) (*avatar.Image, error)
}

func (m *mockAvatarFetcher) Fetch(ctx context.Context, rawURL string) (*avatar.Image, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, rawURL)
	}
	return nil, avatar.ErrNoAvatar
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// storeStates は状態ストアをStateServiceとして公開する。
type storeStates struct {
	*state.Store
}

func (s storeStates) State() model.SyncState { return s.Snapshot() }

func newStates() storeStates {
	return storeStates{state.NewStore()}
}

// signIn は状態にユーザーとセッションを公開する。
func (s storeStates) signIn(userID string) {
	s.Update(func(st *model.SyncState) bool {
		st.User = &model.Identity{ID: userID, Email: userID + "@example.com"}
		st.Session = &model.Session{
			AccessToken:  "secret-access-token",
			RefreshToken: "secret-refresh-token",
			TokenType:    "bearer",
			ExpiresAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			User:         &model.Identity{ID: userID, Email: userID + "@example.com"},
		}
		return true
	})
}

// setProfile は現在のユーザーのプロフィールを公開する。
func (s storeStates) setProfile(p *model.Profile) {
	s.Update(func(st *model.SyncState) bool {
		st.Profile = p
		st.ProfileLoading = false
		return true
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var errBoom = errors.New("boom")
