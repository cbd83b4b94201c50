package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/mindful/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultStorageKey はセッション保存先のデフォルトキー。
const DefaultStorageKey = "mindful:auth:session"

// Storage はクライアントが永続化するセッションの保存先。
// 保存されたセッションがない場合、Loadはnil, nilを返す。
type Storage interface {
	Load(ctx context.Context) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context) error
}

// storedSession は保存形式。
type storedSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	UserEmail    string    `json:"user_email"`
}

func encodeSession(s *model.Session) ([]byte, error) {
	stored := storedSession{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		ExpiresAt:    s.ExpiresAt,
	}
	if s.User != nil {
		stored.UserID = s.User.ID
		stored.UserEmail = s.User.Email
	}
	return json.Marshal(stored)
}

func decodeSession(data []byte) (*model.Session, error) {
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if stored.AccessToken == "" || stored.UserID == "" {
		return nil, errors.New("stored session is incomplete")
	}
	return &model.Session{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		ExpiresAt:    stored.ExpiresAt,
		User:         &model.Identity{ID: stored.UserID, Email: stored.UserEmail},
	}, nil
}

// MemoryStorage はプロセス内にセッションを保持する。
// REDIS_URLが未設定の場合に使用し、再起動でセッションは失われる。
type MemoryStorage struct {
	mu      sync.Mutex
	session *model.Session
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(_ context.Context) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone(), nil
}

func (m *MemoryStorage) Save(_ context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session.Clone()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// RedisStorage はRedisの1キーにセッションをJSONで保存する。
type RedisStorage struct {
	client *redis.Client
	key    string
}

// NewRedisStorage はRedisStorageを生成する。keyが空の場合はDefaultStorageKeyを使う。
func NewRedisStorage(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = DefaultStorageKey
	}
	return &RedisStorage{client: client, key: key}
}

// NewRedisClient はURLからRedisクライアントを生成し、接続を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *RedisStorage) Load(ctx context.Context) (*model.Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored session: %w", err)
	}
	return session, nil
}

func (r *RedisStorage) Save(ctx context.Context, session *model.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
)
