package session

import (
	"net/mail"
	"strings"

	"github.com/hitoshi/mindful/internal/model"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 6

// ValidateEmail はメールアドレスの形式を検証する。
// 表示名付きの形式（"Name <a@b>"）は受け付けない。
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return model.NewValidationError("メールアドレスを入力してください。")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.NewValidationError("メールアドレスの形式が正しくありません。")
	}
	return nil
}

// ValidateCredentials はメールアドレスとパスワードを検証する。
func ValidateCredentials(email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if password == "" {
		return model.NewValidationError("パスワードを入力してください。")
	}
	if len([]rune(password)) < minPasswordLength {
		return model.NewValidationError("パスワードは6文字以上で入力してください。")
	}
	return nil
}
