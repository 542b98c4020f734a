package security

import (
	"strings"
	"testing"
)

// TestSanitizeText_StripsTags はタグが除去され、テキストが残ることを検証する。
func TestSanitizeText_StripsTags(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"<b>Ceramic</b> Mug", "Ceramic Mug"},
		{`<a href="https://example.com">Link</a> text`, "Link text"},
		{"<p>Line 1</p><p>Line 2</p>", "Line 1Line 2"},
		{`<img src="x" onerror="alert(1)">Cup`, "Cup"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizer.SanitizeText(tt.input); got != tt.want {
				t.Errorf("SanitizeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitizeText_RemovesScriptContent はscript/styleの中身ごと除去されることを検証する。
func TestSanitizeText_RemovesScriptContent(t *testing.T) {
	sanitizer := NewTextSanitizer()

	inputs := []string{
		`Mug<script>alert("xss")</script>`,
		`Mug<style>body{display:none}</style>`,
	}
	for _, input := range inputs {
		got := sanitizer.SanitizeText(input)
		if got != "Mug" {
			t.Errorf("SanitizeText(%q) = %q, want %q", input, got, "Mug")
		}
		if strings.Contains(got, "alert") || strings.Contains(got, "display") {
			t.Errorf("SanitizeText(%q) = %q, 要素の中身が残っている", input, got)
		}
	}
}

// TestSanitizeText_DecodesEntities は文字参照がデコードされることを検証する。
func TestSanitizeText_DecodesEntities(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.SanitizeText("Salt &amp; Pepper &quot;Set&quot;")
	want := `Salt & Pepper "Set"`
	if got != want {
		t.Errorf("SanitizeText = %q, want %q", got, want)
	}

	// 素の & はエスケープされずにそのまま残る
	if got := sanitizer.SanitizeText("Salt & Pepper"); got != "Salt & Pepper" {
		t.Errorf("SanitizeText = %q, want %q", got, "Salt & Pepper")
	}
}

// TestSanitizeText_CollapsesWhitespace は空白と改行がまとめられることを検証する。
func TestSanitizeText_CollapsesWhitespace(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.SanitizeText("  Large\n\t Mug  ")
	if got != "Large Mug" {
		t.Errorf("SanitizeText = %q, want %q", got, "Large Mug")
	}
}

// TestSanitizeText_EmptyInput は空文字列の入力を安全に処理できることを検証する。
func TestSanitizeText_EmptyInput(t *testing.T) {
	sanitizer := NewTextSanitizer()

	if got := sanitizer.SanitizeText(""); got != "" {
		t.Errorf("SanitizeText(\"\") = %q, expected empty string", got)
	}
}

// TestSanitizeText_PlainText はプレーンテキストがそのまま通過することを検証する。
func TestSanitizeText_PlainText(t *testing.T) {
	sanitizer := NewTextSanitizer()

	input := "有田焼 マグカップ 350ml"
	if got := sanitizer.SanitizeText(input); got != input {
		t.Errorf("SanitizeText(%q) = %q, expected unchanged", input, got)
	}
}

// TestSanitizeText_Idempotent は二重サニタイズで結果が変わらないことを検証する。
func TestSanitizeText_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()

	once := sanitizer.SanitizeText("<em>Limited</em> Edition &amp; Box")
	twice := sanitizer.SanitizeText(once)
	if once != twice {
		t.Errorf("冪等性違反: 1回目=%q, 2回目=%q", once, twice)
	}
}

// TestTextSanitizerInterface はTextSanitizerServiceインターフェースの適合を検証する。
func TestTextSanitizerInterface(t *testing.T) {
	var _ TextSanitizerService = NewTextSanitizer()
}
