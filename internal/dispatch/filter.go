package dispatch

import (
	"strings"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
)

// candidatesFor returns the contests inside sub's activation window that pass
// its keyword filter, in the cache's deterministic order.
func candidatesFor(src ContestSource, cfg Config, sub storage.Subscription, now time.Time) []contests.Contest {
	var pool []contests.Contest
	switch sub.Kind {
	case storage.KindFinished:
		pool = src.RecentlyFinished(sub.Scope, now, windowFor(cfg, sub))
	default:
		pool = src.UpcomingWithin(sub.Scope, now, leadFor(cfg, sub))
	}
	out := pool[:0:0]
	for _, ct := range pool {
		if matchesKeywords(ct.Name, sub.Include, sub.Exclude) {
			out = append(out, ct)
		}
	}
	return out
}

func leadFor(cfg Config, sub storage.Subscription) time.Duration {
	m := sub.LeadMinutes
	if m <= 0 {
		m = cfg.DefaultLeadMinutes
	}
	return time.Duration(m) * time.Minute
}

func windowFor(cfg Config, sub storage.Subscription) time.Duration {
	m := sub.WindowMinutes
	if m <= 0 {
		m = cfg.DefaultWindowMinutes
	}
	return time.Duration(m) * time.Minute
}

// matchesKeywords accepts name when it contains any include keyword (or
// include is empty) and none of the exclude keywords, ignoring case.
func matchesKeywords(name string, include, exclude []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range exclude {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, kw := range include {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
