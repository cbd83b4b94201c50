// Package avatar はプロフィールのアバター画像を外部URLから取得する。
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultMaxSize はアバター画像の最大サイズ（2MB）。
	DefaultMaxSize = 2 * 1024 * 1024
	// DefaultTimeout はアバター画像取得のタイムアウト。
	DefaultTimeout = 5 * time.Second
)

var (
	// ErrNoAvatar はアバターURLが設定されていないことを示す。
	ErrNoAvatar = errors.New("avatar url is not set")
	// ErrBlocked はURLが安全性検証で拒否されたことを示す。
	ErrBlocked = errors.New("avatar url is blocked")
	// ErrNotImage は取得したコンテンツが配信可能な画像でないことを示す。
	ErrNotImage = errors.New("avatar is not an image")
	// ErrTooLarge は画像がサイズ上限を超えたことを示す。
	ErrTooLarge = errors.New("avatar is too large")
	// ErrUpstream は取得先が正常なレスポンスを返さなかったことを示す。
	ErrUpstream = errors.New("avatar upstream error")
)

// Guard は外部URLへのアクセス制限のインターフェース。
type Guard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Image は取得したアバター画像。
type Image struct {
	Data        []byte
	ContentType string
}

// Fetcher はアバター画像を取得する。
type Fetcher struct {
	guard   Guard
	client  *http.Client
	maxSize int64
	logger  *slog.Logger
}

// NewFetcher はFetcherを生成する。
// timeout、maxSizeが0以下の場合はデフォルト値を使用する。
func NewFetcher(guard Guard, timeout time.Duration, maxSize int64, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Fetcher{
		guard:   guard,
		client:  guard.NewSafeClient(timeout),
		maxSize: maxSize,
		logger:  logger,
	}
}

// Fetch は指定URLから画像を取得する。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	if rawURL == "" {
		return nil, ErrNoAvatar
	}
	if err := f.guard.ValidateURL(rawURL); err != nil {
		f.logger.Warn("avatar url blocked",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	req.Header.Set("User-Agent", "Mindful/1.0 Avatar Proxy")
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("avatar request failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("avatar upstream returned non-2xx",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !isImageMime(mimeType) {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, mimeType)
	}
	if resp.ContentLength > f.maxSize {
		return nil, ErrTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, ErrTooLarge
	}

	return &Image{Data: body, ContentType: mimeType}, nil
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}

// isImageMime はMIMEタイプが配信可能な画像かどうかを判定する。
// SVGはスクリプトを含み得るため配信しない。
func isImageMime(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/gif", "image/webp", "image/avif":
		return true
	}
	return false
}
