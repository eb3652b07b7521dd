package account

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeEmail はメールアドレスを検証し、比較用の正規形に変換する。
// 表示名付きの形式（"Name <a@example.com>"）は受け付けない。
// ドメイン部は国際化ドメイン名をPunycodeに変換する。
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("email is required")
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Name != "" || addr.Address != raw {
		return "", fmt.Errorf("invalid email address: %q", raw)
	}

	at := strings.LastIndex(raw, "@")
	local, domain := raw[:at], raw[at+1:]
	if len(local) > 64 {
		return "", fmt.Errorf("email local part too long")
	}

	asciiDomain, err := idna.Lookup.ToASCII(strings.ToLower(domain))
	if err != nil {
		return "", fmt.Errorf("invalid email domain %q: %w", domain, err)
	}

	return strings.ToLower(local) + "@" + asciiDomain, nil
}

// NormalizePhone は電話番号をE.164形式として検証する。空文字は未指定として許容する。
func NormalizePhone(raw string) (string, error) {
	phone := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	if phone == "" {
		return "", nil
	}
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("invalid phone number: %q", raw)
	}
	return phone, nil
}
