package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// CodeDigits はワンタイムコードの桁数。
const CodeDigits = 6

// GenerateCode は6桁の数字のワンタイムコードを返す。
func GenerateCode() (string, error) {
	b := make([]byte, CodeDigits)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	s := make([]byte, CodeDigits)
	for i := range s {
		s[i] = '0' + (b[i] % 10)
	}
	return string(s), nil
}

// HashCode はコードのSHA-256ハッシュ（hex）を返す。
func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// CodeEqual は入力されたコードと保存済みハッシュを定数時間で比較する。
func CodeEqual(code, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(storedHash)) == 1
}

// IsCodeFormat はコードが6桁の数字かを返す。
func IsCodeFormat(code string) bool {
	if len(code) != CodeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
