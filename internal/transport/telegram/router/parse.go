package router

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 unix millis plus a base36 sequence.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(n, 36)
}

// commandWord extracts the command name from "/name@botname".
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") || len(tok) < 2 {
		return "", false
	}
	word := tok[1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, word != ""
}

// tokenize splits a command line on whitespace, honoring single or double
// quotes and backslash escapes:
//
//	/sendnow "abc def" --force
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
		open  bool
	)
	flush := func() {
		if buf.Len() > 0 || open {
			out = append(out, buf.String())
			buf.Reset()
		}
		open = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			quote = ch
			open = true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals, valued flags and bool flags.
//
//	--k=v, --k v, --flag, -k=v, -k v, -abc (bools a, b, c)
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	nextIsValue := func(i int) bool {
		return i+1 < len(args) && !strings.HasPrefix(args[i+1], "-")
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		var key string
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key = a[2:]
		case strings.HasPrefix(a, "-") && len(a) > 1:
			key = a[1:]
			if len(key) > 1 && !strings.Contains(key, "=") {
				for j := 0; j < len(key); j++ {
					bools[string(key[j])] = true
				}
				continue
			}
		default:
			pos = append(pos, a)
			continue
		}
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if nextIsValue(i) {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}
