// Package refresh はアクセストークンのバックグラウンド更新を提供する。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/mindful/internal/gotrue"
	"github.com/hitoshi/mindful/internal/model"
)

// Refresher は期限が近いセッションを更新するインターフェース。
type Refresher interface {
	EnsureFreshSession(ctx context.Context) (*model.Session, error)
}

// Scheduler は一定間隔でトークンの期限を確認し、必要なら更新する。
// 一時的な失敗が続く間は指数バックオフで試行を間引く。
// リフレッシュトークンが無効と判断された場合のサインアウトはRefresher側が行う。
type Scheduler struct {
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	consecutiveErrors int
	nextAttempt       time.Time
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(refresher Refresher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("token refresh scheduler started",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("token refresh scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は1回分の更新確認を行う。
// バックオフ中は何もしない。再試行が必要な失敗のみエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now()
	if now.Before(s.nextAttempt) {
		return nil
	}

	sess, err := s.refresher.EnsureFreshSession(ctx)
	if err == nil {
		s.reset()
		s.logger.Debug("session is fresh",
			slog.String("user_id", sess.User.ID),
			slog.Time("expires_at", sess.ExpiresAt),
		)
		return nil
	}
	if errors.Is(err, gotrue.ErrSessionMissing) || errors.Is(err, context.Canceled) {
		s.reset()
		return nil
	}

	switch gotrue.ClassifyError(err) {
	case gotrue.RefreshResultRevoked:
		s.reset()
		s.logger.Warn("refresh token revoked, session cleared",
			slog.String("error", err.Error()),
		)
		return nil
	default:
		delay := gotrue.CalculateBackoff(s.consecutiveErrors)
		s.consecutiveErrors++
		s.nextAttempt = now.Add(delay)
		s.logger.Error("token refresh failed, backing off",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", s.consecutiveErrors),
			slog.Duration("retry_in", delay),
		)
		return err
	}
}

func (s *Scheduler) reset() {
	s.consecutiveErrors = 0
	s.nextAttempt = time.Time{}
}
