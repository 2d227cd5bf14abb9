package contests

import (
	"sort"
	"strings"
	"time"
)

// view returns the contests visible in scope. For ScopeAll the union is keyed
// by id and the first concrete scope wins on collision.
func (c *Cache) view(scope Scope) []Contest {
	c.mu.RLock()
	snaps := make([]*snapshot, 0, 2)
	for _, s := range scope.Expand() {
		if st := c.scopes[s]; st != nil && st.snap != nil {
			snaps = append(snaps, st.snap)
		}
	}
	c.mu.RUnlock()

	switch len(snaps) {
	case 0:
		return nil
	case 1:
		return snaps[0].list
	}
	seen := make(map[int64]struct{})
	out := make([]Contest, 0, len(snaps[0].list)+len(snaps[1].list))
	for _, sn := range snaps {
		for _, ct := range sn.list {
			if _, dup := seen[ct.ID]; dup {
				continue
			}
			seen[ct.ID] = struct{}{}
			out = append(out, ct)
		}
	}
	return out
}

// List returns a copy of every contest in scope, newest start first.
func (c *Cache) List(scope Scope) []Contest {
	out := append([]Contest(nil), c.view(scope)...)
	sortByStartDesc(out)
	return out
}

func (c *Cache) ByID(scope Scope, id int64) (Contest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range scope.Expand() {
		st := c.scopes[s]
		if st == nil || st.snap == nil {
			continue
		}
		if i, ok := st.snap.byID[id]; ok {
			return st.snap.list[i], true
		}
	}
	return Contest{}, false
}

// LatestFinished returns the finished contest with the latest start time.
func (c *Cache) LatestFinished(scope Scope) (Contest, bool) {
	var (
		best  Contest
		found bool
	)
	for _, ct := range c.view(scope) {
		if ct.Phase != PhaseFinished || ct.StartTime.IsZero() {
			continue
		}
		if !found || ct.StartTime.After(best.StartTime) || (ct.StartTime.Equal(best.StartTime) && ct.ID > best.ID) {
			best, found = ct, true
		}
	}
	return best, found
}

// UpcomingWithin returns BEFORE-phase contests starting in (now, now+window],
// soonest first.
func (c *Cache) UpcomingWithin(scope Scope, now time.Time, window time.Duration) []Contest {
	var out []Contest
	for _, ct := range c.view(scope) {
		if ct.Phase != PhaseBefore || ct.StartTime.IsZero() {
			continue
		}
		until := ct.StartTime.Sub(now)
		if until > 0 && until <= window {
			out = append(out, ct)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecentlyFinished returns FINISHED contests whose end lies in [now-window, now],
// most recently ended first.
func (c *Cache) RecentlyFinished(scope Scope, now time.Time, window time.Duration) []Contest {
	var out []Contest
	for _, ct := range c.view(scope) {
		if ct.Phase != PhaseFinished {
			continue
		}
		end := ct.EndTime()
		if end.IsZero() {
			continue
		}
		since := now.Sub(end)
		if since >= 0 && since <= window {
			out = append(out, ct)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].EndTime(), out[j].EndTime()
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search matches keyword case-insensitively against contest names (or the
// exact id when keyword is numeric). limit <= 0 means no limit.
func (c *Cache) Search(scope Scope, keyword string, limit int) []Contest {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return nil
	}
	var out []Contest
	for _, ct := range c.view(scope) {
		if strings.Contains(strings.ToLower(ct.Name), kw) || formatID(ct.ID) == kw {
			out = append(out, ct)
		}
	}
	sortByStartDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByStartDesc(list []Contest) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.After(list[j].StartTime)
		}
		return list[i].ID > list[j].ID
	})
}
