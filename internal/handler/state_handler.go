package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/mindful/internal/model"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StateService は公開状態の参照と購読のインターフェース。
type StateService interface {
	State() model.SyncState
	Watch(ctx context.Context) <-chan model.SyncState
}

// StateHandler は公開状態を画面に提供するHTTPハンドラー。
type StateHandler struct {
	states   StateService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStateHandler はStateHandlerを生成する。
// allowedOriginが空の場合、WebSocketは同一オリジンからの接続のみ受け付ける。
func NewStateHandler(states StateService, allowedOrigin string, logger *slog.Logger) *StateHandler {
	h := &StateHandler{
		states: states,
		logger: logger,
	}
	if allowedOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		}
	}
	return h
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// sessionResponse はセッションの公開部分。トークンはブリッジの外に出さない。
type sessionResponse struct {
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type profileResponse struct {
	ID                    string    `json:"id"`
	Username              string    `json:"username"`
	FullName              string    `json:"full_name"`
	AvatarURL             string    `json:"avatar_url"`
	Email                 string    `json:"email"`
	StreakDays            int       `json:"streak_days"`
	LongestStreak         int       `json:"longest_streak"`
	TotalMinutesMeditated int       `json:"total_minutes_meditated"`
	Level                 int       `json:"level"`
	PreferredCategories   []string  `json:"preferred_categories"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// stateResponse は公開状態のAPIレスポンス。
type stateResponse struct {
	User           *userResponse    `json:"user"`
	Session        *sessionResponse `json:"session"`
	Profile        *profileResponse `json:"profile"`
	AuthLoading    bool             `json:"auth_loading"`
	ProfileLoading bool             `json:"profile_loading"`
	Generation     uint64           `json:"generation"`
	Version        uint64           `json:"version"`
}

func toStateResponse(st model.SyncState) stateResponse {
	resp := stateResponse{
		AuthLoading:    st.AuthLoading,
		ProfileLoading: st.ProfileLoading,
		Generation:     st.Generation,
		Version:        st.Version,
	}
	if st.User != nil {
		resp.User = &userResponse{ID: st.User.ID, Email: st.User.Email}
	}
	if st.Session != nil {
		resp.Session = &sessionResponse{TokenType: st.Session.TokenType, ExpiresAt: st.Session.ExpiresAt}
	}
	if st.Profile != nil {
		p := toProfileResponse(st.Profile)
		resp.Profile = &p
	}
	return resp
}

func toProfileResponse(p *model.Profile) profileResponse {
	categories := p.PreferredCategories
	if categories == nil {
		categories = []string{}
	}
	return profileResponse{
		ID:                    p.ID,
		Username:              p.Username,
		FullName:              p.FullName,
		AvatarURL:             p.AvatarURL,
		Email:                 p.Email,
		StreakDays:            p.StreakDays,
		LongestStreak:         p.LongestStreak,
		TotalMinutesMeditated: p.TotalMinutesMeditated,
		Level:                 p.Level,
		PreferredCategories:   categories,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

// GetState は現在の公開状態を返す。
// GET /api/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStateResponse(h.states.State()))
}

// Stream は公開状態の変化をWebSocketで配信する。
// 接続直後に現在の状態を送り、以降は公開のたびに最新の状態を送る。
// GET /api/state/ws
func (h *StateHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// クライアントからのメッセージは読み捨て、切断を検知したら配信を止める
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	updates := h.states.Watch(ctx)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case st, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toStateResponse(st)); err != nil {
				h.logger.Debug("websocket send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
