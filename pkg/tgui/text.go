package tgui

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes is Telegram's per-message text limit.
const MaxMessageRunes = 4096

// TruncRunes returns s truncated to at most n runes, marking the cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i, count := 0, 0
	for i < len(s) && count < n-1 {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i] + "…"
}

// Split breaks text into chunks of at most limit runes, cutting at line
// boundaries where possible. Lines longer than limit are cut mid-line.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		out   []string
		cur   strings.Builder
		runes int
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			runes = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if runes+n <= limit {
			cur.WriteString(line)
			runes += n
			continue
		}
		flush()
		for n > limit {
			head := TruncBytesAtRunes(line, limit)
			out = append(out, head)
			line = line[len(head):]
			n -= limit
		}
		cur.WriteString(line)
		runes = n
	}
	flush()
	return out
}

// TruncBytesAtRunes returns the prefix of s holding at most n runes.
func TruncBytesAtRunes(s string, n int) string {
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i]
}
