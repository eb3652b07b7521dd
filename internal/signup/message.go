package signup

import (
	"errors"

	"github.com/hitoshi/handleclaim/internal/model"
	"github.com/hitoshi/handleclaim/internal/username"
)

// ErrEmailRequired は初回の入力でメールアドレスが空だったことを示す。
var ErrEmailRequired = model.NewError(model.KindInvalidFormat, "submit credentials", errors.New("email is required"))

// Message はエラー種別ごとの利用者向けメッセージを返す。
// 生のエラー文字列は表示せず、次に取るべき行動を伝える。
func Message(kind model.ErrorKind) string {
	switch kind {
	case model.KindInvalidFormat:
		return "入力内容の形式が正しくありません。確認して再入力してください。"
	case model.KindAlreadyTaken:
		return "このユーザー名は既に使われています。別のユーザー名を選んでください。"
	case model.KindRateLimited:
		return "リクエストが多すぎます。しばらく待ってから再度お試しください。"
	case model.KindIdentityExists:
		return "このメールアドレスのアカウントは既に存在します。ログインしてください。"
	case model.KindVerificationFailed:
		return "確認コードが無効か、有効期限が切れています。再入力するか、コードを再送信してください。"
	case model.KindOwnerAlreadyClaimed:
		return "このアカウントには既にユーザー名が設定されています。"
	case model.KindUnauthorized:
		return "セッションが無効です。もう一度ログインしてください。"
	case model.KindInvalidState:
		return "この操作は現在の手順では行えません。"
	case model.KindNotFound:
		return "アカウントが見つかりません。最初からやり直してください。"
	default:
		return "通信エラーが発生しました。入力内容は保持されています。再度お試しください。"
	}
}

// MessageFor はエラーに対応する利用者向けメッセージを返す。
// ユーザー名の形式エラーは長さと文字種で文言を分ける。
func MessageFor(err error) string {
	switch {
	case errors.Is(err, username.ErrInvalidLength):
		return "ユーザー名は3〜20文字で入力してください。"
	case errors.Is(err, username.ErrInvalidCharset):
		return "ユーザー名に使えるのは英数字とアンダースコアのみです。"
	case errors.Is(err, ErrEmailRequired):
		return "メールアドレスを入力してください。"
	default:
		return Message(model.KindOf(err))
	}
}
