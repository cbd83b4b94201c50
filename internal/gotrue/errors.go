package gotrue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionMissing は保存済みセッションがない状態でセッションが必要な操作を行った場合のエラー。
var ErrSessionMissing = errors.New("auth session missing")

// Error は認証APIが返したエラーレスポンス。
type Error struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth api error %d: %s", e.Status, e.Message)
}

// errorBody は認証APIのエラーボディ。エンドポイントやバージョンによって形式が異なる。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// parseError はエラーレスポンスのボディからErrorを組み立てる。
// ボディがJSONでない場合はステータステキストをメッセージにする。
func parseError(status int, body []byte) *Error {
	e := &Error{Status: status}

	var b errorBody
	if err := json.Unmarshal(body, &b); err == nil {
		e.Code = firstNonEmpty(b.ErrorCode, b.Error)
		e.Message = firstNonEmpty(b.ErrorDescription, b.Msg, b.Message, b.Error)
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// statusOf はエラーがErrorであればHTTPステータスを返す。それ以外は0。
func statusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
