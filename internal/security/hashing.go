package security

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher はbcryptでパスワードをハッシュ化・検証する。平文のパスワードはログ出力・保存しないこと。
type Hasher struct {
	Cost int
}

// NewHasher はHasherを生成する。costが範囲外の場合は丸める。0以下の場合はbcrypt.DefaultCost。
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare はパスワードと保存済みハッシュを比較する。一致すればnilを返す。
func (h *Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
