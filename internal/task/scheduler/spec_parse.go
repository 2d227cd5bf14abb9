package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to a cron expression or an
// interval. Source records which notation was used: "cron", "duration"
// or "hhmm".
//
// Accepted input:
//
//	*/5 * * * *    @hourly    @every 1m    cron: 0 9 * * 1
//	55m            2h30m      interval:90s
//	02:30          every: 00:01
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

var errNonPositive = errors.New("interval must be > 0")

// ParseSchedule resolves raw into a ParsedSpec. Values containing
// whitespace or starting with '@' are cron; anything else is an interval
// unless a "cron:", "interval:" or "every:" prefix says otherwise.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
		}
		return cronSpec(rest), nil
	}
	for _, p := range [...]string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return intervalSpec(rest)
		}
	}

	if s[0] == '@' || strings.ContainsAny(s, " \t\r\n") {
		return cronSpec(s), nil
	}
	if _, _, isClock := splitClock(s); isClock {
		return intervalSpec(s)
	}
	if ps, err := intervalSpec(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want a cron line, HH:MM or a duration such as 55m", raw)
}

func cronSpec(expr string) ParsedSpec {
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if h, m, ok := splitClock(v); ok {
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("minutes out of range in %q", v)
		}
		ps.Every = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		ps.Source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return ps, nil
}

// splitClock reports whether v looks like H:MM (up to three hour digits,
// exactly two minute digits) and returns both parts.
func splitClock(v string) (hours, minutes int, ok bool) {
	hh, mm, found := strings.Cut(v, ":")
	if !found || len(hh) < 1 || len(hh) > 3 || len(mm) != 2 || !digits(hh) || !digits(mm) {
		return 0, 0, false
	}
	hours, _ = strconv.Atoi(hh)
	minutes, _ = strconv.Atoi(mm)
	return hours, minutes, true
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
