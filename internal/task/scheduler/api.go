package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

var (
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule")
	ErrSkipped         = errors.New("scheduler: previous run still in flight")
	ErrGated           = errors.New("scheduler: run suppressed by gate")
	ErrDisabled        = errors.New("scheduler: disabled")
)

// AddSchedule parses schedule (see ParseSchedule) and registers the job
// under name, replacing any schedule with the same name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job, opt Options) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job, opt)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job, opt)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job, opt Options) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.add(name, spec, timeout, job, opt)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job, opt Options) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, "@every "+every.String(), timeout, job, opt)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job, opt Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt, stats: &runStats{}}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// RunNow runs the named job synchronously with the same gate, overlap and
// timeout rules as a scheduled trigger.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return ErrUnknownSchedule
	}
	return s.run(ctx, d)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		err := s.run(base, d)
		switch {
		case err == nil, errors.Is(err, ErrGated), errors.Is(err, ErrDisabled):
		case errors.Is(err, ErrSkipped):
			s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name))
		default:
			s.log.Warn("scheduled job failed", logx.String("schedule", d.name), logx.Err(err))
		}
	})

	if every, ok := intervalOf(d.spec); ok {
		var sched cron.Schedule = cron.Every(every)
		if !d.opt.NoSpread {
			var jitter time.Duration
			sched, jitter = makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
			s.log.Debug("interval startup spread", logx.String("schedule", d.name), logx.Duration("jitter", jitter))
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func intervalOf(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every")
	if !ok {
		return 0, false
	}
	every, err := time.ParseDuration(strings.TrimSpace(rest))
	return every, err == nil && every > 0
}

func (s *Service) run(ctx context.Context, d *scheduleDef) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if d.opt.Gate != nil && !d.opt.Gate() {
		d.stats.mu.Lock()
		d.stats.gated++
		d.stats.mu.Unlock()
		return ErrGated
	}
	if !d.running.CompareAndSwap(false, true) {
		d.stats.mu.Lock()
		d.stats.skipped++
		d.stats.mu.Unlock()
		return ErrSkipped
	}
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	dur := time.Since(start)

	d.stats.mu.Lock()
	d.stats.runs++
	d.stats.lastStart = start
	d.stats.lastDur = dur
	d.stats.lastErr = ""
	if err != nil {
		d.stats.failures++
		d.stats.lastErr = err.Error()
	}
	d.stats.mu.Unlock()
	return err
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	if _, ok := intervalOf(d.spec); ok {
		return ""
	}
	sched, err := s.parser.Parse(d.spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
