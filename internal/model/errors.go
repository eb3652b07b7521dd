// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はリモート呼び出しの結果を分類するエラー種別。
// 呼び出し元で必ずいずれかに変換し、オーケストレータには生のトランスポートエラーを渡さない。
type ErrorKind string

const (
	// KindInvalidFormat はユーザー名の形式不正（長さ・文字種）。ネットワークには到達しない。
	KindInvalidFormat ErrorKind = "invalid_format"
	// KindAlreadyTaken はユーザー名が既に取得されている。業務上の正常な結果として扱う。
	KindAlreadyTaken ErrorKind = "already_taken"
	// KindRateLimited はレート制限（429相当）。リトライ対象。
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable はネットワークエラー・サーバーエラー・タイムアウト。
	KindUnavailable ErrorKind = "unavailable"
	// KindIdentityExists はメールアドレスまたは電話番号のアカウントが既に存在する。
	KindIdentityExists ErrorKind = "identity_exists"
	// KindVerificationFailed はワンタイムコードが無効または期限切れ。
	KindVerificationFailed ErrorKind = "verification_failed"
	// KindOwnerAlreadyClaimed はidentityが既に別のユーザー名を保持している。
	KindOwnerAlreadyClaimed ErrorKind = "owner_already_claimed"
	// KindUnauthorized はセッションが無効、または他人のidentityを操作しようとした。
	KindUnauthorized ErrorKind = "unauthorized"
	// KindNotFound は対象が存在しない。
	KindNotFound ErrorKind = "not_found"
	// KindInvalidState はワークフローの状態に合わない操作が呼ばれた。
	KindInvalidState ErrorKind = "invalid_state"
)

// Error は種別付きのドメインエラー。
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError はErrorを生成する。
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap はラップされたエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じKindのErrorと一致する。errors.Is(err, ErrRateLimited) のように使う。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// 種別判定用のセンチネル。
var (
	ErrInvalidFormat       = &Error{Kind: KindInvalidFormat}
	ErrAlreadyTaken        = &Error{Kind: KindAlreadyTaken}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
	ErrIdentityExists      = &Error{Kind: KindIdentityExists}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrOwnerAlreadyClaimed = &Error{Kind: KindOwnerAlreadyClaimed}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
)

// KindOf はエラーの種別を返す。種別を持たないエラーはKindUnavailableとして扱う。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, username, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidUsername     = "INVALID_USERNAME"
	ErrCodeUsernameTaken       = "USERNAME_TAKEN"
	ErrCodeOwnerAlreadyClaimed = "OWNER_ALREADY_CLAIMED"
	ErrCodeIdentityExists      = "IDENTITY_EXISTS"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"

	// ErrCodeDocumentAlreadyExists はcreateDocumentの一意性違反。クライアントはこのコードでAlreadyTakenを判定する。
	ErrCodeDocumentAlreadyExists = "document_already_exists"
)

// NewInvalidUsernameError はユーザー名形式エラーを生成する。
func NewInvalidUsernameError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  fmt.Sprintf("無効なユーザー名です: %s", reason),
		Category: "validation",
		Action:   "3〜20文字の英数字とアンダースコアで入力してください。",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
// usernameが空の場合はメッセージにユーザー名を含めない。
func NewUsernameTakenError(username string) *APIError {
	msg := "ユーザー名は既に使われています。"
	if username != "" {
		msg = fmt.Sprintf("ユーザー名は既に使われています: %s", username)
	}
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  msg,
		Category: "username",
		Action:   "別のユーザー名を選んでください。",
	}
}

// NewOwnerAlreadyClaimedError はidentityが既にユーザー名を保持している場合のエラーを生成する。
func NewOwnerAlreadyClaimedError() *APIError {
	return &APIError{
		Code:     ErrCodeOwnerAlreadyClaimed,
		Message:  "このアカウントには既にユーザー名が設定されています。",
		Category: "username",
		Action:   "プロフィールから現在のユーザー名を確認してください。",
	}
}

// NewIdentityExistsError はアカウント重複エラーを生成する。
func NewIdentityExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityExists,
		Message:  "このメールアドレスまたは電話番号のアカウントは既に存在します。",
		Category: "auth",
		Action:   "ログイン画面からログインしてください。",
	}
}

// NewVerificationFailedError は確認コード不一致エラーを生成する。
func NewVerificationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationFailed,
		Message:  "確認コードが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "コードを確認して再入力するか、コードを再送信してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は他人のidentityを操作しようとした場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作は許可されていません。",
		Category: "auth",
		Action:   "ログイン中のアカウントを確認してください。",
	}
}

// NewNotFoundError は対象が存在しない場合のエラーを生成する。
func NewNotFoundError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%sが見つかりません。", what),
		Category: "system",
		Action:   "指定内容を確認してください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDocumentAlreadyExistsError はcreateDocumentの一意性違反エラーを生成する。
func NewDocumentAlreadyExistsError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeDocumentAlreadyExists,
		Message:  fmt.Sprintf("ドキュメントは既に存在します: %s", username),
		Category: "username",
		Action:   "別のユーザー名を選んでください。",
	}
}
