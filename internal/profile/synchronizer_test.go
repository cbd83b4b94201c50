package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/mindful/internal/metrics"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/state"
)

// --- モック定義 ---

type fetchResult struct {
	profile *model.Profile
	err     error
}

// pendingFetch は解決待ちの取得呼び出し。
type pendingFetch struct {
	userID string
	result chan fetchResult
}

// controlledFetcher は呼び出しごとにテスト側から結果を与えるまでブロックする。
type controlledFetcher struct {
	calls chan *pendingFetch
}

func newControlledFetcher() *controlledFetcher {
	return &controlledFetcher{calls: make(chan *pendingFetch, 16)}
}

func (f *controlledFetcher) SelectProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	p := &pendingFetch{userID: id, result: make(chan fetchResult, 1)}
	f.calls <- p
	select {
	case r := <-p.result:
		return r.profile, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *controlledFetcher) next(t *testing.T) *pendingFetch {
	t.Helper()
	select {
	case p := <-f.calls:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch call")
		return nil
	}
}

func (p *pendingFetch) resolve(profile *model.Profile, err error) {
	p.result <- fetchResult{profile: profile, err: err}
}

type mockFetcher struct {
	selectFn func(ctx context.Context, id string) (*model.Profile, error)
}

func (m *mockFetcher) SelectProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	return m.selectFn(ctx, id)
}

type mockSanitizer struct{}

func (mockSanitizer) SanitizeProfile(p *model.Profile) *model.Profile {
	c := p.Clone()
	c.Username = "sanitized"
	return c
}

// recordingCollector はプロフィール取得結果のみを記録する。
type recordingCollector struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []string
}

func (c *recordingCollector) RecordProfileFetch(outcome string) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome)
	c.mu.Unlock()
}

func (c *recordingCollector) outcomeList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.outcomes...)
}

var (
	_ Fetcher   = (*controlledFetcher)(nil)
	_ Fetcher   = (*mockFetcher)(nil)
	_ Sanitizer = mockSanitizer{}
)

// --- ヘルパー ---

var (
	alice = &model.Identity{ID: "11111111-1111-1111-1111-111111111111", Email: "alice@example.com"}
	bob   = &model.Identity{ID: "22222222-2222-2222-2222-222222222222", Email: "bob@example.com"}
)

func profileOf(id *model.Identity, username string) *model.Profile {
	return &model.Profile{ID: id.ID, Email: id.Email, Username: username, Level: 1}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signIn はセッションストアと同じ手順でユーザーを切り替え、同期器に通知する。
func signIn(st *state.Store, s *Synchronizer, id *model.Identity) {
	st.Update(func(ss *model.SyncState) bool {
		ss.User = id
		if id != nil {
			ss.Session = &model.Session{AccessToken: "token", User: id}
		}
		return true
	})
	s.OnIdentityChanged(id)
}

func waitFor(t *testing.T, st *state.Store, cond func(model.SyncState) bool) model.SyncState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := st.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, state = %+v", st.Snapshot())
	return model.SyncState{}
}

// --- テスト ---

// TestOnIdentityChanged_FetchReady はサインイン後に取得したプロフィールが公開されることを検証する。
func TestOnIdentityChanged_FetchReady(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	if !st.Snapshot().ProfileLoading {
		t.Error("ProfileLoading should be true while fetching")
	}

	call := f.next(t)
	if call.userID != alice.ID {
		t.Errorf("fetch user = %q, want %q", call.userID, alice.ID)
	}
	call.resolve(profileOf(alice, "alice"), nil)
	s.Wait()

	got := st.Snapshot()
	if got.Profile == nil || got.Profile.Username != "alice" {
		t.Errorf("Profile = %+v, want alice", got.Profile)
	}
	if got.ProfileLoading {
		t.Error("ProfileLoading should be false after fetch")
	}
}

// TestOnIdentityChanged_NotFoundIsEmpty は行がない場合にnilで確定し、ロードが終わることを検証する。
func TestOnIdentityChanged_NotFoundIsEmpty(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return nil, model.ErrProfileNotFound
	}}
	collector := &recordingCollector{}
	s := NewSynchronizer(f, nil, st, discardLogger(), collector)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()

	got := st.Snapshot()
	if got.Profile != nil || got.ProfileLoading {
		t.Errorf("state = %+v, want empty profile and not loading", got)
	}
	if got.User == nil {
		t.Error("user must remain signed in")
	}
	if got := collector.outcomeList(); len(got) != 1 || got[0] != metrics.OutcomeEmpty {
		t.Errorf("outcomes = %v, want [%s]", got, metrics.OutcomeEmpty)
	}
}

// TestOnIdentityChanged_FailureClearsProfile はその他のエラーでもnilで確定することを検証する。
func TestOnIdentityChanged_FailureClearsProfile(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return nil, errors.New("connection refused")
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()

	got := st.Snapshot()
	if got.Profile != nil || got.ProfileLoading {
		t.Errorf("state = %+v, want cleared", got)
	}
}

// TestOnIdentityChanged_IdentitySwitchDiscardsStale はユーザーAの取得がユーザーBへの切り替え後に
// 完了しても、Bのプロフィールが上書きされないことを検証する。
func TestOnIdentityChanged_IdentitySwitchDiscardsStale(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	callA := f.next(t)

	signIn(st, s, bob)
	callB := f.next(t)

	callB.resolve(profileOf(bob, "bob"), nil)
	waitFor(t, st, func(ss model.SyncState) bool { return ss.Profile != nil })

	callA.resolve(profileOf(alice, "alice"), nil)
	s.Wait()

	got := st.Snapshot()
	if got.User == nil || got.User.ID != bob.ID {
		t.Fatalf("User = %+v, want bob", got.User)
	}
	if got.Profile == nil || got.Profile.ID != bob.ID {
		t.Errorf("Profile = %+v, want bob's", got.Profile)
	}
}

// TestOnIdentityChanged_StaleResolvesFirst は古い取得が先に完了しても新しいユーザーの状態に影響しないことを検証する。
func TestOnIdentityChanged_StaleResolvesFirst(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	callA := f.next(t)
	signIn(st, s, bob)
	callB := f.next(t)

	callA.resolve(profileOf(alice, "alice"), nil)
	// Aの結果は破棄され、Bはまだロード中
	time.Sleep(20 * time.Millisecond)
	if got := st.Snapshot(); got.Profile != nil || !got.ProfileLoading {
		t.Errorf("state = %+v, want bob still loading", got)
	}

	callB.resolve(profileOf(bob, "bob"), nil)
	s.Wait()
	if got := st.Snapshot(); got.Profile == nil || got.Profile.ID != bob.ID {
		t.Errorf("Profile = %+v, want bob's", got.Profile)
	}
}

// TestOnIdentityChanged_SignOutDuringFetch はサインアウト後に完了した取得が反映されないことを検証する。
func TestOnIdentityChanged_SignOutDuringFetch(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	call := f.next(t)

	signIn(st, s, nil)
	got := st.Snapshot()
	if got.User != nil || got.Session != nil || got.Profile != nil || got.ProfileLoading {
		t.Errorf("state after sign-out = %+v, want fully cleared", got)
	}

	call.resolve(profileOf(alice, "alice"), nil)
	s.Wait()
	if got := st.Snapshot(); got.Profile != nil {
		t.Errorf("Profile = %+v, want nil", got.Profile)
	}
}

// TestOnIdentityChanged_SignOutSignInSameUser は同じユーザーでもサインアウトを挟んだ古い取得は破棄されることを検証する。
func TestOnIdentityChanged_SignOutSignInSameUser(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	first := f.next(t)
	signIn(st, s, nil)
	signIn(st, s, alice)
	second := f.next(t)

	first.resolve(profileOf(alice, "old"), nil)
	time.Sleep(20 * time.Millisecond)
	if got := st.Snapshot(); got.Profile != nil {
		t.Errorf("Profile = %+v, want nil (previous epoch)", got.Profile)
	}

	second.resolve(profileOf(alice, "new"), nil)
	s.Wait()
	if got := st.Snapshot(); got.Profile == nil || got.Profile.Username != "new" {
		t.Errorf("Profile = %+v, want new", got.Profile)
	}
}

// TestOnIdentityChanged_ReorderedNotificationIgnored は既に置き換わったユーザーへの遅れた通知を無視することを検証する。
func TestOnIdentityChanged_ReorderedNotificationIgnored(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, bob)
	call := f.next(t)

	// aliceへの通知が遅れて届いても取得は発行されない
	s.OnIdentityChanged(alice)
	// nilの通知も現在のユーザーがいる間は無視される
	s.OnIdentityChanged(nil)
	if got := st.Snapshot(); !got.ProfileLoading {
		t.Error("stale nil notification must not clear loading")
	}

	call.resolve(profileOf(bob, "bob"), nil)
	s.Wait()

	select {
	case extra := <-f.calls:
		t.Errorf("unexpected fetch for %s", extra.userID)
	default:
	}
	if got := st.Snapshot(); got.Profile == nil || got.Profile.ID != bob.ID {
		t.Errorf("Profile = %+v, want bob's", got.Profile)
	}
}

// TestRefetch_LatestTicketWins は連続したRefetchのうち最後の要求だけが反映されることを検証する。
func TestRefetch_LatestTicketWins(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	f.next(t).resolve(profileOf(alice, "v1"), nil)
	s.Wait()

	errs := make(chan error, 2)
	go func() { errs <- s.Refetch(context.Background()) }()
	first := f.next(t)
	go func() { errs <- s.Refetch(context.Background()) }()
	second := f.next(t)

	second.resolve(profileOf(alice, "v3"), nil)
	first.resolve(profileOf(alice, "v2"), nil)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Refetch: %v", err)
		}
	}
	s.Wait()

	if got := st.Snapshot(); got.Profile == nil || got.Profile.Username != "v3" {
		t.Errorf("Profile = %+v, want v3", got.Profile)
	}
}

// TestRefetch_NoIdentity は未サインイン時にErrNoIdentityを返すことを検証する。
func TestRefetch_NoIdentity(t *testing.T) {
	st := state.NewStore()
	s := NewSynchronizer(newControlledFetcher(), nil, st, discardLogger(), nil)
	defer s.Close()

	err := s.Refetch(context.Background())
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("error = %v, want ErrNoIdentity", err)
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotAuthenticated {
		t.Errorf("error = %v, want NOT_AUTHENTICATED", err)
	}
}

// TestRefetch_EqualProfileDoesNotPublish は同一内容の取得結果で版が進まないことを検証する。
func TestRefetch_EqualProfileDoesNotPublish(t *testing.T) {
	p := profileOf(alice, "alice")
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return p.Clone(), nil
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()
	before := st.Snapshot()

	if err := s.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	s.Wait()
	after := st.Snapshot()

	// Refetchはロード中フラグを立てるため1回、解決で1回公開されるが、プロフィールはnilを経由しない
	if after.Profile == nil || !after.Profile.Equal(before.Profile) {
		t.Errorf("Profile = %+v, want unchanged", after.Profile)
	}
	if after.ProfileLoading {
		t.Error("ProfileLoading should be false")
	}
}

// TestSetDirect_AppliesAndSupersedesFetch は直接反映が実行中の取得を無効化することを検証する。
func TestSetDirect_AppliesAndSupersedesFetch(t *testing.T) {
	f := newControlledFetcher()
	st := state.NewStore()
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	call := f.next(t)

	if err := s.SetDirect(profileOf(alice, "direct")); err != nil {
		t.Fatalf("SetDirect: %v", err)
	}
	got := st.Snapshot()
	if got.Profile == nil || got.Profile.Username != "direct" {
		t.Errorf("Profile = %+v, want direct", got.Profile)
	}
	if got.ProfileLoading {
		t.Error("ProfileLoading should be false after SetDirect")
	}

	call.resolve(nil, model.ErrProfileNotFound)
	s.Wait()
	if got := st.Snapshot(); got.Profile == nil || got.Profile.Username != "direct" {
		t.Errorf("Profile = %+v, want direct kept", got.Profile)
	}
}

// TestSetDirect_IdentityMismatch は別ユーザーのプロフィールが拒否され状態が変わらないことを検証する。
func TestSetDirect_IdentityMismatch(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return nil, model.ErrProfileNotFound
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	err := s.SetDirect(profileOf(alice, "alice"))
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("error (signed out) = %v, want ErrIdentityMismatch", err)
	}

	signIn(st, s, bob)
	s.Wait()
	before := st.Snapshot()

	err = s.SetDirect(profileOf(alice, "alice"))
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeIdentityMismatch {
		t.Errorf("error = %v, want PROFILE_IDENTITY_MISMATCH", err)
	}
	if after := st.Snapshot(); after.Version != before.Version {
		t.Errorf("Version = %d, want %d (no publish)", after.Version, before.Version)
	}
}

// TestSetDirect_NilClears はnilの直接反映でプロフィールがクリアされることを検証する。
func TestSetDirect_NilClears(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return profileOf(alice, "alice"), nil
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()

	if err := s.SetDirect(nil); err != nil {
		t.Fatalf("SetDirect(nil): %v", err)
	}
	if got := st.Snapshot(); got.Profile != nil {
		t.Errorf("Profile = %+v, want nil", got.Profile)
	}
}

// TestSanitizer_AppliedBeforePublish は取得結果がサニタイズされてから公開されることを検証する。
func TestSanitizer_AppliedBeforePublish(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return profileOf(alice, "<b>alice</b>"), nil
	}}
	s := NewSynchronizer(f, mockSanitizer{}, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()

	if got := st.Snapshot(); got.Profile == nil || got.Profile.Username != "sanitized" {
		t.Errorf("Profile = %+v, want sanitized", got.Profile)
	}
}

// TestFetch_ForeignRowRejected は別ユーザーの行が返された場合に失敗として扱うことを検証する。
func TestFetch_ForeignRowRejected(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		return profileOf(bob, "bob"), nil
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)
	defer s.Close()

	signIn(st, s, alice)
	s.Wait()

	got := st.Snapshot()
	if got.Profile != nil || got.ProfileLoading {
		t.Errorf("state = %+v, want cleared", got)
	}
}

// TestInvariant_ConcurrentSwitches は多数のユーザー切り替えと取得が並行しても
// 公開状態が常に不変条件を満たすことを検証する。
func TestInvariant_ConcurrentSwitches(t *testing.T) {
	st := state.NewStore()
	f := &mockFetcher{selectFn: func(ctx context.Context, id string) (*model.Profile, error) {
		time.Sleep(time.Millisecond)
		return &model.Profile{ID: id}, nil
	}}
	s := NewSynchronizer(f, nil, st, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	watch := st.Watch(ctx)

	var violations int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for snap := range watch {
			if !snap.Consistent() {
				violations++
			}
		}
	}()

	ids := []*model.Identity{alice, bob, nil}
	for i := 0; i < 200; i++ {
		signIn(st, s, ids[i%len(ids)])
	}
	s.Close()
	cancel()
	wg.Wait()

	if violations != 0 {
		t.Errorf("observed %d inconsistent snapshots", violations)
	}
}
