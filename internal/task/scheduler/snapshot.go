package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if tz == "" {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.running.Load()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.stats.mu.Lock()
		it.Runs = d.stats.runs
		it.Failures = d.stats.failures
		it.Skipped = d.stats.skipped
		it.Gated = d.stats.gated
		it.LastStart = d.stats.lastStart
		it.LastDur = d.stats.lastDur
		it.LastErr = d.stats.lastErr
		d.stats.mu.Unlock()
		items = append(items, it)
	}
	return Snapshot{Enabled: s.cfg.Enabled, Timezone: tz, Schedules: items}
}
