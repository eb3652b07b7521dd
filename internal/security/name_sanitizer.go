package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は表示名の最大文字数（rune数）。
const MaxNameLength = 128

// NameSanitizer は表示名からHTMLを除去してプレーンテキストにする。
// 出力はHTMLとして埋め込むためのものではなく、保存・JSON応答用のテキスト。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。タグはすべて除去する（StrictPolicy）。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを戻し、連続する空白を1つにまとめて
// MaxNameLength文字に切り詰める。
// 同一入力に対して常に同一出力を返す。
func (s *NameSanitizer) Sanitize(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > MaxNameLength {
		text = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return text
}
