// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は認証済みアカウントを表す。
// ユーザー名の取得とは独立したライフサイクルを持ち、ユーザー名未取得のまま存在しうる（サインアップ途中）。
type Identity struct {
	ID           string
	Email        string
	Phone        string
	PasswordHash string // 空の場合はパスワードレス
	VerifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Verified はワンタイムコードによる検証が完了しているかを返す。
func (i *Identity) Verified() bool {
	return i.VerifiedAt != nil
}

// VerificationToken はidentityに紐づくワンタイムコードを表す。
// コード自体は保存せず、SHA-256ハッシュのみを保持する。
type VerificationToken struct {
	ID          string
	IdentityID  string
	Destination string
	CodeHash    string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	CreatedAt   time.Time
	// FailedAttempts はこのトークンに対して誤ったコードが入力された回数。
	FailedAttempts int

	// Code は発行直後のみ設定される平文コード。永続化されない。
	Code string
}

// Session はidentityにバインドされたログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time

	// Token はクライアントに渡す署名済みトークン。永続化されない。
	Token string
}
