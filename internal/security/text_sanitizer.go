package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は取り込んだ自由記述テキストからHTMLを除去する。
type TextSanitizer interface {
	// Clean はタグを除去したプレーンテキストを返す。
	// script/style要素は内容ごと除去し、文字参照はデコードする。
	Clean(s string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizer実装。
// Policyはスレッドセーフなので共有してよい。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はHTMLを除去する。タグを含まない入力は前後の空白除去のみ行う。
func (s *textSanitizer) Clean(in string) string {
	if in == "" {
		return ""
	}
	if !strings.ContainsAny(in, "<&") {
		return strings.TrimSpace(in)
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
