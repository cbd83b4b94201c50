// Package gotrue はSupabase Auth（GoTrue）互換のREST APIクライアントを提供する。
//
// サインイン・サインアウト・トークン更新の結果はStorageに永続化され、
// 登録されたリスナーへ認証状態遷移イベントとして通知される。
// イベントの通知は1つずつ直列に行われ、永続化と同じ順序で届く。
// リスナーの中からClientの状態変更メソッドを呼んではならない。
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/mindful/internal/metrics"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/session"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const (
	// maxResponseSize は認証APIレスポンスの最大読み取りサイズ。
	maxResponseSize = 1 << 20
	// defaultTimeout はHTTPリクエストのデフォルトタイムアウト。
	defaultTimeout = 10 * time.Second
	// defaultRequestsPerMinute は認証API呼び出しのデフォルト上限。
	defaultRequestsPerMinute = 30
)

// Config はクライアントの設定。
type Config struct {
	URL               string        // SupabaseプロジェクトのURL（例: https://xyz.supabase.co）
	AnonKey           string        // anonキー
	Timeout           time.Duration // HTTPリクエストのタイムアウト
	RequestsPerMinute int           // 認証API呼び出しの上限（クライアント側）
	RefreshMargin     time.Duration // 期限切れのこの時間前からトークン更新の対象にする
}

// Client は認証APIクライアント。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	limiter    *rate.Limiter
	storage    Storage
	margin     time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time

	// emitMu は永続化とイベント通知を直列化する。
	emitMu sync.Mutex
	// refreshMu は同じリフレッシュトークンでの二重更新を防ぐ。
	refreshMu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[uint64]func(model.AuthEvent)
	nextID      uint64
}

// NewClient はClientを生成する。storageがnilの場合はMemoryStorageを使う。
func NewClient(cfg Config, storage Storage, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	burst := cfg.RequestsPerMinute / 6
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		anonKey:    cfg.AnonKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst),
		storage:    storage,
		margin:     cfg.RefreshMargin,
		timeout:    cfg.Timeout,
		logger:     logger,
		metrics:    collector,
		now:        time.Now,
		listeners:  make(map[uint64]func(model.AuthEvent)),
	}
}

// --- レスポンス形式 ---

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// sessionResponse はトークン発行・サインアップのレスポンス。
// メール確認が必要なサインアップではトークンを含まずユーザーのみが返る。
type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`

	ID    string `json:"id"`
	Email string `json:"email"`
}

func (r *sessionResponse) identity() *model.Identity {
	if r.User != nil && r.User.ID != "" {
		return &model.Identity{ID: r.User.ID, Email: r.User.Email}
	}
	if r.ID != "" {
		return &model.Identity{ID: r.ID, Email: r.Email}
	}
	if r.AccessToken != "" {
		if id, err := identityFromToken(r.AccessToken); err == nil {
			return id
		}
	}
	return nil
}

// session はレスポンスからセッションを組み立てる。トークンを含まない場合はnil。
func (r *sessionResponse) session(now time.Time) *model.Session {
	if r.AccessToken == "" {
		return nil
	}
	user := r.identity()
	if user == nil {
		return nil
	}

	var expiresAt time.Time
	switch {
	case r.ExpiresAt > 0:
		expiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		expiresAt = expiryFromToken(r.AccessToken)
	}

	return &model.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresAt:    expiresAt,
		User:         user,
	}
}

// --- IdentityProvider ---

// GetSession は保存済みのセッションを返す。
// 期限が近い場合は更新を試み、期限切れで更新できない場合はエラーを返す。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	stored, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil || !stored.ExpiresWithin(c.now(), c.margin) {
		return stored, nil
	}

	refreshed, err := c.EnsureFreshSession(ctx)
	if err == nil {
		return refreshed, nil
	}
	if ClassifyHTTPStatus(statusOf(err)) == RefreshResultRevoked {
		return nil, nil
	}
	if !stored.Expired(c.now()) {
		c.logger.Warn("token refresh failed, using current session",
			slog.String("error", err.Error()),
		)
		return stored, nil
	}
	if errors.Is(err, ErrSessionMissing) {
		return nil, nil
	}
	return nil, err
}

// subscription はリスナー登録のハンドル。
type subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

// Unsubscribe はリスナーの登録を解除する。複数回呼んでも安全。
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.listenersMu.Lock()
		delete(s.client.listeners, s.id)
		s.client.listenersMu.Unlock()
	})
}

// OnAuthStateChange はリスナーを登録し、登録直後に現在のセッションで
// INITIAL_SESSIONを非同期に通知する。
func (c *Client) OnAuthStateChange(fn func(model.AuthEvent)) session.Subscription {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	go c.emitInitial(id)
	return &subscription{client: c, id: id}
}

func (c *Client) emitInitial(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.listenersMu.Lock()
	fn, ok := c.listeners[id]
	c.listenersMu.Unlock()
	if !ok {
		return
	}

	stored, err := c.storage.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load session for initial event",
			slog.String("error", err.Error()),
		)
		return
	}
	fn(c.newEvent(model.AuthEventInitialSession, stored))
}

// SignUp はアカウントを作成する。
// メール確認が不要な設定でセッションが返された場合は保存し、SIGNED_INを通知する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Identity, *model.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/signup", "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, nil, err
	}

	identity := resp.identity()
	if identity == nil {
		return nil, nil, errors.New("sign up response contains no user")
	}

	sess := resp.session(c.now())
	if sess != nil {
		if err := c.commit(ctx, model.AuthEventSignedIn, sess); err != nil {
			return nil, nil, err
		}
	}

	c.logger.Info("sign up completed",
		slog.String("user_id", identity.ID),
		slog.Bool("has_session", sess != nil),
	)
	return identity, sess, nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインし、SIGNED_INを通知する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}

	sess := resp.session(c.now())
	if sess == nil {
		return nil, errors.New("token response contains no session")
	}
	if err := c.commit(ctx, model.AuthEventSignedIn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SignOut はサーバー側のセッションを破棄し、ローカルのセッションを削除してSIGNED_OUTを通知する。
// サーバーがセッションを既に無効と判断した場合（401/403/404）もローカルの削除は行う。
func (c *Client) SignOut(ctx context.Context) error {
	stored, err := c.storage.Load(ctx)
	if err != nil {
		return err
	}

	if stored != nil {
		err := c.do(ctx, http.MethodPost, "/logout", stored.AccessToken, nil, nil)
		switch statusOf(err) {
		case 0:
			if err != nil {
				return err
			}
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			c.logger.Info("server session already invalid, clearing local session")
		default:
			return err
		}
	}

	return c.commit(ctx, model.AuthEventSignedOut, nil)
}

// ResetPasswordForEmail はパスワードリセットメールの送信を依頼する。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/recover", "", map[string]string{"email": email}, nil)
}

// --- トークン更新 ---

// EnsureFreshSession は保存済みセッションの期限が近ければ更新する。
// 更新が不要な場合は保存済みセッションをそのまま返す。
// リフレッシュトークンが無効と判断された場合はローカルのセッションを削除し、SIGNED_OUTを通知する。
func (c *Client) EnsureFreshSession(ctx context.Context) (*model.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, ErrSessionMissing
	}
	if !current.ExpiresWithin(c.now(), c.margin) {
		return current, nil
	}

	var resp sessionResponse
	err = c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", map[string]string{
		"refresh_token": current.RefreshToken,
	}, &resp)
	if err != nil {
		c.metrics.RecordTokenRefresh(false)
		if ClassifyHTTPStatus(statusOf(err)) == RefreshResultRevoked {
			c.logger.Warn("refresh token rejected, signing out",
				slog.String("user_id", current.User.ID),
				slog.String("error", err.Error()),
			)
			if cerr := c.commit(ctx, model.AuthEventSignedOut, nil); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
		}
		return nil, err
	}

	sess := resp.session(c.now())
	if sess == nil {
		c.metrics.RecordTokenRefresh(false)
		return nil, errors.New("refresh response contains no session")
	}
	if err := c.commit(ctx, model.AuthEventTokenRefreshed, sess); err != nil {
		c.metrics.RecordTokenRefresh(false)
		return nil, err
	}
	c.metrics.RecordTokenRefresh(true)
	c.logger.Info("access token refreshed",
		slog.String("user_id", sess.User.ID),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}

// --- 内部処理 ---

// commit はセッションを永続化（nilなら削除）し、イベントを全リスナーへ通知する。
func (c *Client) commit(ctx context.Context, typ model.AuthEventType, sess *model.Session) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if sess == nil {
		if err := c.storage.Delete(ctx); err != nil {
			return err
		}
	} else if err := c.storage.Save(ctx, sess); err != nil {
		return err
	}

	ev := c.newEvent(typ, sess)

	c.listenersMu.Lock()
	fns := make([]func(model.AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (c *Client) newEvent(typ model.AuthEventType, sess *model.Session) model.AuthEvent {
	return model.AuthEvent{
		ID:         ulid.Make().String(),
		Type:       typ,
		Session:    sess.Clone(),
		OccurredAt: c.now(),
	}
}

// do は認証APIへJSONリクエストを送信する。bearerが空の場合はanonキーを使う。
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("auth request rate limited: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("auth api request failed",
			slog.String("method", method),
			slog.String("path", pathOnly(path)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("auth api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read auth api response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseError(resp.StatusCode, data)
		c.logger.Warn("auth api returned error",
			slog.String("method", method),
			slog.String("path", pathOnly(path)),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode auth api response: %w", err)
		}
	}
	return nil
}

// pathOnly はログ出力用にクエリを除いたパスを返す。
func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

var _ session.IdentityProvider = (*Client)(nil)
