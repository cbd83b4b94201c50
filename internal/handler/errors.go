package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/mindful/internal/gotrue"
	"github.com/hitoshi/mindful/internal/middleware"
	"github.com/hitoshi/mindful/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 * 1024

// handleServiceError はサービス層のエラーを統一エラーフォーマットで書き込む。
// APIError以外は内部エラーとして扱い、詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
// 認証コマンドの失敗は、IDプロバイダーの応答ステータスで入力起因か上流障害かを区別する。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeIdentityMismatch:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeProfileUpdate:
		return http.StatusBadGateway
	case model.ErrCodeSignInFailed, model.ErrCodeSignUpFailed,
		model.ErrCodeResetFailed, model.ErrCodeSignOutFailed:
		return commandFailureStatus(apiErr)
	default:
		return http.StatusInternalServerError
	}
}

func commandFailureStatus(apiErr *model.APIError) int {
	var providerErr *gotrue.Error
	if !errors.As(apiErr.Cause, &providerErr) {
		return http.StatusBadGateway
	}
	switch {
	case providerErr.Status == http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case providerErr.Status >= 500:
		return http.StatusBadGateway
	case apiErr.Code == model.ErrCodeSignInFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// decodeJSON はリクエストボディをvにデコードする。未知のフィールドは拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディが不正です。"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
