package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCardEscapes(t *testing.T) {
	t.Parallel()
	got := NewCard().Title("Round <1>").KV("start", "a & b").Bullet("x").String()
	want := "<b>Round &lt;1&gt;</b>\n• <b>start</b>: a &amp; b\n• x"
	if got != want {
		t.Fatalf("card = %q, want %q", got, want)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "he…"},
		{"привет", 4, "при…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	text := strings.Repeat("line of text\n", 10) + strings.Repeat("я", 25)
	chunks := Split(text, 20)
	var rebuilt strings.Builder
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 20 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		rebuilt.WriteString(strings.TrimRight(c, "\n"))
	}
	want := strings.ReplaceAll(text, "\n", "")
	if got := strings.ReplaceAll(rebuilt.String(), "\n", ""); got != want {
		t.Fatalf("content lost in split:\n got %q\nwant %q", got, want)
	}
	if chunks[0] != "line of text" {
		t.Fatalf("expected line boundary cut, got %q", chunks[0])
	}
}
