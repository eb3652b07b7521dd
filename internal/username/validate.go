// Package username はユーザー名の正規化と形式検証を提供する。
// I/Oを持たない純粋関数のみで構成する。
package username

import (
	"strings"

	"github.com/hitoshi/handleclaim/internal/model"
)

const (
	// MinLength はユーザー名の最小文字数。
	MinLength = 3
	// MaxLength はユーザー名の最大文字数。
	MaxLength = 20
)

var (
	// ErrInvalidLength は正規化後の長さが3〜20文字の範囲外であることを示す。
	ErrInvalidLength = model.NewError(model.KindInvalidFormat, "", errInvalidLength)
	// ErrInvalidCharset は[a-zA-Z0-9_]以外の文字を含むことを示す。
	ErrInvalidCharset = model.NewError(model.KindInvalidFormat, "", errInvalidCharset)
)

type formatError string

func (e formatError) Error() string { return string(e) }

const (
	errInvalidLength  = formatError("username must be between 3 and 20 characters")
	errInvalidCharset = formatError("username can only contain letters, numbers, and underscores")
)

// Result はValidateの結果。
type Result struct {
	// Username は正規化済みのユーザー名。検証に失敗した場合も正規化結果を保持する。
	Username string
	// Err は検証エラー。成功時はnil。
	Err error
}

// OK は検証に成功したかを返す。
func (r Result) OK() bool {
	return r.Err == nil
}

// Normalize は先頭の@を1つ除去し、小文字化する。
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimPrefix(raw, "@"))
}

// Validate はユーザー名を正規化して形式を検証する。
// 長さの検証を文字種より先に行う。
// 小文字化で一部の非ASCII文字がASCIIになるため（U+212A → k など）、検証は小文字化の前の値に対して行う。
func Validate(raw string) Result {
	stripped := strings.TrimPrefix(raw, "@")
	name := strings.ToLower(stripped)

	// 長さはバイト数ではなく文字数で数える
	n := len([]rune(stripped))
	if n < MinLength || n > MaxLength {
		return Result{Username: name, Err: ErrInvalidLength}
	}

	for i := 0; i < len(stripped); i++ {
		if !isAllowed(stripped[i]) {
			return Result{Username: name, Err: ErrInvalidCharset}
		}
	}

	return Result{Username: name}
}

// isAllowed は[a-zA-Z0-9_]に含まれるバイトかを判定する。
// マルチバイト文字の各バイトは0x80以上なので必ず拒否される。
func isAllowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_':
		return true
	default:
		return false
	}
}
