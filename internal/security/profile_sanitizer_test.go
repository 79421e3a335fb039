package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeName(t *testing.T) {
	s := NewProfileSanitizer(NewURLGuard())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Taro Yamada", "Taro Yamada"},
		{"trims and collapses whitespace", "  Taro \t  Yamada \n", "Taro Yamada"},
		{"strips tags", "<b>Taro</b> <script>alert(1)</script>Yamada", "Taro Yamada"},
		{"keeps ampersand", "Tom & Jerry", "Tom & Jerry"},
		{"keeps apostrophe", "O'Brien", "O'Brien"},
		{"japanese", "山田 太郎", "山田 太郎"},
		{"control characters", "Taro\x07\x1bYamada", "Taro Yamada"},
		{"empty", "", ""},
		{"only markup", "<img src=x onerror=alert(1)>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeName_TruncatesByRune(t *testing.T) {
	s := NewProfileSanitizer(NewURLGuard())

	got := s.SanitizeName(strings.Repeat("あ", MaxNameLength+20))
	if n := utf8.RuneCountInString(got); n != MaxNameLength {
		t.Errorf("rune count = %d, want %d", n, MaxNameLength)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated name must remain valid UTF-8")
	}
}

func TestSanitizePicture(t *testing.T) {
	s := NewProfileSanitizer(NewURLGuard())

	if got := s.SanitizePicture(" https://lh3.googleusercontent.com/a/x.jpg "); got != "https://lh3.googleusercontent.com/a/x.jpg" {
		t.Errorf("valid picture was rejected: %q", got)
	}
	for _, bad := range []string{"", "http://example.com/x.jpg", "javascript:alert(1)", "https://127.0.0.1/x.jpg"} {
		if got := s.SanitizePicture(bad); got != "" {
			t.Errorf("SanitizePicture(%q) = %q, want empty", bad, got)
		}
	}
}
