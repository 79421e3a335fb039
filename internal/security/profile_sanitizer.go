package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は表示名として保存する最大文字数（rune単位）。
const MaxNameLength = 100

// ProfileSanitizer はIdPのクレームや登録フォームから受け取った
// 表示名・画像URLを保存可能な形に整える。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
	guard  *URLGuard
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// 表示名は全てのタグを除去するStrictPolicyで処理する。
func NewProfileSanitizer(guard *URLGuard) *ProfileSanitizer {
	return &ProfileSanitizer{
		policy: bluemonday.StrictPolicy(),
		guard:  guard,
	}
}

// SanitizeName はマークアップと制御文字を除去し、空白を正規化した表示名を返す。
// MaxNameLengthを超える部分は切り捨てる。
func (s *ProfileSanitizer) SanitizeName(raw string) string {
	// StrictPolicyはエンティティをエスケープして返すため元の文字に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxNameLength {
		text = string([]rune(text)[:MaxNameLength])
	}
	return text
}

// SanitizePicture は安全なhttps URLのみを返す。検証に失敗した場合は空文字列を返す。
func (s *ProfileSanitizer) SanitizePicture(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		return ""
	}
	return raw
}
