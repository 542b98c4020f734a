// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerService はカタログから取得した商品名やベンダー名などの
// 表示用テキストからマークアップを除去する。
// bluemondayのStrictPolicyで全タグを落とし、プレーンテキストとして保存する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は表示用テキストのサニタイズ機能のインターフェースを定義する。
// 商品・バリアントの保存前とソース名の登録時に使用される。
type TextSanitizerService interface {
	// SanitizeText はHTMLタグを除去したプレーンテキストを返す。
	// script, styleなどの要素は中身ごと除去し、文字参照はデコードする。
	// 連続する空白と改行は1つの半角スペースにまとめる。
	SanitizeText(s string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフで、複数のゴルーチンから共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はHTMLタグを除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	// StrictPolicyは & や < をエスケープして返すため、プレーンテキストに戻す
	text := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(text), " ")
}
