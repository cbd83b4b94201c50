// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Cause にはIDプロバイダー等から返された元のエラーを保持する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
	Cause    error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeSignUpFailed     = "SIGN_UP_FAILED"
	ErrCodeSignInFailed     = "SIGN_IN_FAILED"
	ErrCodeSignOutFailed    = "SIGN_OUT_FAILED"
	ErrCodeResetFailed      = "RESET_PASSWORD_FAILED"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeIdentityMismatch = "PROFILE_IDENTITY_MISMATCH"
	ErrCodeProfileUpdate    = "PROFILE_UPDATE_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

func causeMessage(cause error) string {
	if cause == nil {
		return "不明なエラー"
	}
	return cause.Error()
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewSignUpFailedError はサインアップ失敗エラーを生成する。
func NewSignUpFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeSignUpFailed,
		Message:  fmt.Sprintf("アカウントの作成に失敗しました: %s", causeMessage(cause)),
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認して、もう一度お試しください。",
		Cause:    cause,
	}
}

// NewSignInFailedError はサインイン失敗エラーを生成する。
func NewSignInFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  fmt.Sprintf("サインインに失敗しました: %s", causeMessage(cause)),
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
		Cause:    cause,
	}
}

// NewSignOutFailedError はサインアウト失敗エラーを生成する。
func NewSignOutFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeSignOutFailed,
		Message:  fmt.Sprintf("サインアウトに失敗しました: %s", causeMessage(cause)),
		Category: "auth",
		Action:   "通信環境を確認して、もう一度お試しください。",
		Cause:    cause,
	}
}

// NewResetPasswordFailedError はパスワードリセットメール送信失敗エラーを生成する。
func NewResetPasswordFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeResetFailed,
		Message:  fmt.Sprintf("パスワードリセットメールの送信に失敗しました: %s", causeMessage(cause)),
		Category: "auth",
		Action:   "メールアドレスを確認して、しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewNotAuthenticatedError は未サインイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "サインインしていません。",
		Category: "auth",
		Action:   "サインインしてから再度お試しください。",
	}
}

// NewIdentityMismatchError は現在のユーザーと異なるプロフィールが指定された場合のエラーを生成する。
func NewIdentityMismatchError(profileID string) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityMismatch,
		Message:  fmt.Sprintf("現在のユーザーと一致しないプロフィールです: %s", profileID),
		Category: "profile",
		Action:   "画面を再読み込みしてください。",
	}
}

// NewProfileUpdateFailedError はプロフィール更新失敗エラーを生成する。
func NewProfileUpdateFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileUpdate,
		Message:  "プロフィールの更新に失敗しました。",
		Category: "profile",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
