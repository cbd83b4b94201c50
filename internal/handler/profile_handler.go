package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/mindful/internal/avatar"
	"github.com/hitoshi/mindful/internal/middleware"
	"github.com/hitoshi/mindful/internal/model"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	RefetchProfile(ctx context.Context) error
	UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Profile, error)
}

// AvatarFetcher はアバター画像取得のインターフェース。
type AvatarFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*avatar.Image, error)
}

// ProfileHandler はプロフィール関連のHTTPハンドラー。
// 認証ミドルウェアの後に配置する。
type ProfileHandler struct {
	service ProfileServiceInterface
	states  StateService
	avatars AvatarFetcher
	logger  *slog.Logger
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface, states StateService, avatars AvatarFetcher, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		states:  states,
		avatars: avatars,
		logger:  logger,
	}
}

// updateProfileRequest はプロフィール編集のリクエストボディ。
// 省略したフィールドは変更しない。
type updateProfileRequest struct {
	Username            *string  `json:"username"`
	FullName            *string  `json:"full_name"`
	AvatarURL           *string  `json:"avatar_url"`
	PreferredCategories []string `json:"preferred_categories"`
}

// Refetch は現在のユーザーのプロフィールを取り直す。
// 取得は非同期に行われ、結果は/api/stateに反映される。
// POST /api/profile/refetch
func (h *ProfileHandler) Refetch(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefetchProfile(r.Context()); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStateResponse(h.states.State()))
}

// Update はプロフィールを編集する。
// PUT /api/profile, PATCH /api/profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.UpdateProfile(r.Context(), model.ProfileUpdate{
		Username:            req.Username,
		FullName:            req.FullName,
		AvatarURL:           req.AvatarURL,
		PreferredCategories: req.PreferredCategories,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if profile == nil {
		// 更新後の取得で行が見つからなかった
		writeJSON(w, http.StatusOK, toStateResponse(h.states.State()))
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// Avatar は現在のプロフィールのアバター画像を安全なクライアント経由で取得して返す。
// GET /api/profile/avatar
func (h *ProfileHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	st := h.states.State()
	if st.Profile == nil || st.Profile.AvatarURL == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	img, err := h.avatars.Fetch(r.Context(), st.Profile.AvatarURL)
	if err != nil {
		h.writeAvatarError(w, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

func (h *ProfileHandler) writeAvatarError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, avatar.ErrNoAvatar):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, avatar.ErrBlocked):
		middleware.WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
			Code:     "AVATAR_BLOCKED",
			Message:  "アバターURLへのアクセスは許可されていません。",
			Category: "profile",
			Action:   "別の画像URLを設定してください。",
		})
	default:
		h.logger.Warn("failed to fetch avatar", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "AVATAR_FETCH_FAILED",
			Message:  "アバター画像を取得できませんでした。",
			Category: "profile",
			Action:   "画像URLを確認してください。",
		})
	}
}
