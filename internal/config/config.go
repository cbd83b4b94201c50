// Package config はアプリケーション設定を環境変数から読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Supabase
	SupabaseURL     string `env:"SUPABASE_URL,required,notEmpty"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY,required,notEmpty"`

	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Session storage（REDIS_URLが空の場合はメモリに保持）
	RedisURL          string `env:"REDIS_URL"`
	SessionStorageKey string `env:"SESSION_STORAGE_KEY" envDefault:"mindful:auth:session"`

	// Auth
	AuthTimeout          time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
	AuthRateLimit        int           `env:"AUTH_RATE_LIMIT" envDefault:"30"`
	TokenRefreshMargin   time.Duration `env:"TOKEN_REFRESH_MARGIN" envDefault:"60s"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"30s"`

	// Rate Limit
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	CommandRateLimit int `env:"COMMAND_RATE_LIMIT" envDefault:"10"`

	// Avatar
	AvatarTimeout time.Duration `env:"AVATAR_TIMEOUT" envDefault:"5s"`
	AvatarMaxSize int64         `env:"AVATAR_MAX_SIZE" envDefault:"2097152"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS / Cookie
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	CookieDomain      string `env:"COOKIE_DOMAIN"`
	CookieSecure      bool   `env:"COOKIE_SECURE" envDefault:"false"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	u, err := url.Parse(c.SupabaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("SUPABASE_URL must be an http(s) URL: %q", c.SupabaseURL))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %q", c.LogLevel))
	}

	positive := map[string]time.Duration{
		"AUTH_TIMEOUT":           c.AuthTimeout,
		"TOKEN_REFRESH_INTERVAL": c.TokenRefreshInterval,
		"AVATAR_TIMEOUT":         c.AvatarTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive: %s", name, d))
		}
	}
	if c.TokenRefreshMargin < 0 {
		errs = append(errs, fmt.Errorf("TOKEN_REFRESH_MARGIN must not be negative: %s", c.TokenRefreshMargin))
	}
	if c.AuthRateLimit <= 0 || c.CommandRateLimit <= 0 || c.RateLimitGeneral <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.AvatarMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("AVATAR_MAX_SIZE must be positive: %d", c.AvatarMaxSize))
	}

	return errors.Join(errs...)
}
