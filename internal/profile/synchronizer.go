// Package profile は現在のIdentityに対応するプロフィールを公開状態へ同期する。
//
// Identityの切り替わりごとにstate.Storeが世代番号（Generation）を進める。
// 取得要求は発行時の世代と受付番号（ticket）を保持し、
// 解決時点で世代と最新の受付番号の両方が一致する場合にのみ結果を反映する。
// 一致しない結果は古いIdentityまたは後続の要求に置き換えられたものとして黙って破棄する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/mindful/internal/metrics"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/hitoshi/mindful/internal/state"
)

var (
	// ErrNoIdentity はサインインしていない状態で取得を要求した場合のエラー。
	ErrNoIdentity = errors.New("no signed-in identity")
	// ErrIdentityMismatch は現在のユーザーと異なるIDのプロフィールを直接反映しようとした場合のエラー。
	ErrIdentityMismatch = errors.New("profile does not belong to current identity")
)

// Fetcher はプロフィール行の取得インターフェース。
// 行が存在しない場合はmodel.ErrProfileNotFoundを返すこと。
type Fetcher interface {
	SelectProfileByID(ctx context.Context, id string) (*model.Profile, error)
}

// Sanitizer は取得したプロフィールを公開前に無害化する。
type Sanitizer interface {
	SanitizeProfile(p *model.Profile) *model.Profile
}

// fetchRequest は1回の取得要求。
type fetchRequest struct {
	generation uint64
	ticket     uint64
	userID     string
	done       chan struct{}
}

// Synchronizer はプロフィール同期を行う。
type Synchronizer struct {
	fetcher   Fetcher
	sanitizer Sanitizer
	state     *state.Store
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	// ticket は最後に発行した受付番号。stateのロックの下でのみ参照する。
	ticket uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSynchronizer はSynchronizerを生成する。
// sanitizer、collectorはnilでもよい。
func NewSynchronizer(
	fetcher Fetcher,
	sanitizer Sanitizer,
	st *state.Store,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Synchronizer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		fetcher:   fetcher,
		sanitizer: sanitizer,
		state:     st,
		logger:    logger,
		metrics:   collector,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnIdentityChanged はセッションストアからIdentityの変化を受け取る。
//
// nilの場合はプロフィールとロード中フラグを即座にクリアし、取得は行わない。
// nil以外の場合はロード中フラグを立てて取得を発行する。
// どちらの場合も、通知が届いた時点で状態のユーザーが既に別のIdentityに
// 置き換わっていれば古い通知として無視する。
func (s *Synchronizer) OnIdentityChanged(identity *model.Identity) {
	if identity == nil {
		s.state.Update(func(st *model.SyncState) bool {
			if st.User != nil {
				return false
			}
			if st.Profile == nil && !st.ProfileLoading {
				return false
			}
			st.Profile = nil
			st.ProfileLoading = false
			return true
		})
		return
	}

	if _, ok := s.issue(identity.ID); !ok {
		s.logger.Debug("identity notification superseded",
			slog.String("user_id", identity.ID),
		)
	}
}

// Refetch は現在のIdentityのプロフィールを取り直し、結果が解決するまで待つ。
// 未サインインの場合はErrNoIdentityを原因とするエラーを返す。
// ctxが先に終了した場合はctxのエラーを返すが、取得自体は中断しない。
func (s *Synchronizer) Refetch(ctx context.Context) error {
	done, ok := s.issue("")
	if !ok {
		apiErr := model.NewNotAuthenticatedError()
		apiErr.Cause = ErrNoIdentity
		return apiErr
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDirect は既知の正しいプロフィールを取得を経ずに状態へ反映する。
// プロフィールのIDが現在のユーザーと一致しない場合は何もせずErrIdentityMismatchを原因とするエラーを返す。
// 反映に成功すると同じ世代で実行中の取得は破棄対象になる。
func (s *Synchronizer) SetDirect(profile *model.Profile) error {
	mismatch := false
	s.state.Update(func(st *model.SyncState) bool {
		if profile != nil && (st.User == nil || st.User.ID != profile.ID) {
			mismatch = true
			return false
		}
		s.ticket++
		if st.Profile.Equal(profile) && !st.ProfileLoading {
			return false
		}
		st.Profile = profile.Clone()
		st.ProfileLoading = false
		return true
	})
	if mismatch {
		apiErr := model.NewIdentityMismatchError(profile.ID)
		apiErr.Cause = ErrIdentityMismatch
		return apiErr
	}
	s.logger.Info("profile set directly",
		slog.Bool("has_profile", profile != nil),
	)
	return nil
}

// Close は実行中の取得のコンテキストをキャンセルし、すべての取得の終了を待つ。
func (s *Synchronizer) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait は実行中の取得がすべて終了するまで待つ。
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

// issue は取得要求を発行する。userIDが空の場合は現在のユーザーを対象にする。
// 対象のユーザーが現在の状態と一致しない場合は発行せずfalseを返す。
func (s *Synchronizer) issue(userID string) (<-chan struct{}, bool) {
	var (
		req fetchRequest
		ok  bool
	)
	s.state.Update(func(st *model.SyncState) bool {
		if st.User == nil || (userID != "" && st.User.ID != userID) {
			return false
		}
		s.ticket++
		req = fetchRequest{
			generation: st.Generation,
			ticket:     s.ticket,
			userID:     st.User.ID,
			done:       make(chan struct{}),
		}
		ok = true
		if st.ProfileLoading {
			return false
		}
		st.ProfileLoading = true
		return true
	})
	if !ok {
		return nil, false
	}

	s.wg.Add(1)
	go s.run(req)
	return req.done, true
}

// run は取得を実行し、世代と受付番号が一致する場合にのみ結果を反映する。
func (s *Synchronizer) run(req fetchRequest) {
	defer s.wg.Done()
	defer close(req.done)

	start := time.Now()
	profile, err := s.fetcher.SelectProfileByID(s.ctx, req.userID)
	s.metrics.RecordFetchLatency(time.Since(start))

	if err == nil && profile == nil {
		err = model.ErrProfileNotFound
	}
	if err == nil && profile.ID != req.userID {
		err = fmt.Errorf("fetched profile %s does not belong to user %s", profile.ID, req.userID)
	}
	if err == nil && s.sanitizer != nil {
		profile = s.sanitizer.SanitizeProfile(profile)
	}

	outcome := metrics.OutcomeDiscarded
	s.state.Update(func(st *model.SyncState) bool {
		if s.ctx.Err() != nil ||
			st.Generation != req.generation ||
			s.ticket != req.ticket ||
			st.User == nil || st.User.ID != req.userID {
			return false
		}

		switch {
		case err == nil:
			outcome = metrics.OutcomeReady
			if st.Profile.Equal(profile) {
				outcome = metrics.OutcomeUnchanged
				if !st.ProfileLoading {
					return false
				}
			}
			st.Profile = profile
		case errors.Is(err, model.ErrProfileNotFound):
			outcome = metrics.OutcomeEmpty
			st.Profile = nil
		default:
			outcome = metrics.OutcomeFailed
			st.Profile = nil
		}
		st.ProfileLoading = false
		return true
	})
	s.metrics.RecordProfileFetch(outcome)

	switch outcome {
	case metrics.OutcomeFailed:
		s.logger.Error("failed to fetch profile",
			slog.String("user_id", req.userID),
			slog.String("error", err.Error()),
		)
	case metrics.OutcomeEmpty:
		s.logger.Info("no profile row for user",
			slog.String("user_id", req.userID),
		)
	case metrics.OutcomeDiscarded:
		s.logger.Debug("stale profile fetch discarded",
			slog.String("user_id", req.userID),
			slog.Uint64("generation", req.generation),
			slog.Uint64("ticket", req.ticket),
		)
	default:
		s.logger.Info("profile fetched",
			slog.String("user_id", req.userID),
			slog.String("outcome", outcome),
		)
	}
}
