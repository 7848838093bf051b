// Package security はユーザー入力の無害化を提供する。
//
// DisplayNameSanitizer はユーザープロフィールの表示名から
// HTMLを取り除き、通知本文に埋め込めるプレーンテキストにする。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数。users.display_nameの列長と一致する。
const MaxDisplayNameLength = 200

// TextSanitizer はプレーンテキスト化のインターフェース。
type TextSanitizer interface {
	// Sanitize はタグを除去し、空白を正規化したテキストを返す。
	Sanitize(s string) string
}

// DisplayNameSanitizer はbluemondayのStrictPolicyで全タグを除去する。
// StrictPolicyはエスケープ済みHTMLを返すため、プレーンテキストに戻してから返す。
type DisplayNameSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*DisplayNameSanitizer)(nil)

// NewDisplayNameSanitizer はDisplayNameSanitizerを生成する。
func NewDisplayNameSanitizer() *DisplayNameSanitizer {
	return &DisplayNameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は表示名をプレーンテキストにする。
// 連続する空白は1つにまとめ、MaxDisplayNameLength文字で切り詰める。
func (s *DisplayNameSanitizer) Sanitize(name string) string {
	text := html.UnescapeString(s.policy.Sanitize(name))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxDisplayNameLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return text
}
