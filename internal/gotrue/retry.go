package gotrue

import (
	"errors"
	"net/http"
	"time"
)

// RefreshResult はトークン更新のHTTPステータスに基づく分類。
type RefreshResult int

const (
	// RefreshResultOK は更新成功。
	RefreshResultOK RefreshResult = iota
	// RefreshResultRevoked はリフレッシュトークンが無効（400/401/403/404）。
	// 再試行しても回復しないため、ローカルのセッションを破棄する。
	RefreshResultRevoked
	// RefreshResultRetry は一時的な失敗（429/5xx/通信エラー）。バックオフ後に再試行する。
	RefreshResultRetry
	// RefreshResultUnknown は未知のステータスコード。
	RefreshResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 2 * time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Minute
)

// ClassifyHTTPStatus はトークン更新APIのHTTPステータスコードを分類する。
// 0は通信エラー（レスポンスなし）を表す。
func ClassifyHTTPStatus(statusCode int) RefreshResult {
	switch {
	case statusCode == 0:
		return RefreshResultRetry
	case statusCode >= 200 && statusCode < 300:
		return RefreshResultOK
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound:
		return RefreshResultRevoked
	case statusCode == http.StatusTooManyRequests:
		return RefreshResultRetry
	case statusCode >= 500:
		return RefreshResultRetry
	default:
		return RefreshResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回2秒、2倍ずつ増加、最大2分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ClassifyError はトークン更新のエラーを分類する。
// 認証APIのエラーレスポンスはステータスで分類し、通信エラーなどは再試行対象とする。
func ClassifyError(err error) RefreshResult {
	if err == nil {
		return RefreshResultOK
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return ClassifyHTTPStatus(apiErr.Status)
	}
	return RefreshResultRetry
}
