package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 9 * * 1", kind: SpecCron, cron: "0 9 * * 1", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "every: 00:01", kind: SpecInterval, every: time.Minute, source: "hhmm"},
		{in: "interval:90s", kind: SpecInterval, every: 90 * time.Second, source: "duration"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tt.in, err)
			continue
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
			t.Errorf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}

func TestRunNowGateAndOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())

	var leader atomic.Bool
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var runs atomic.Int32
	err := s.AddSchedule("dispatch.tick", "1m", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	}, Options{Gate: leader.Load})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	if err := s.RunNow(context.Background(), "dispatch.tick"); !errors.Is(err, ErrGated) {
		t.Fatalf("gated run err=%v", err)
	}

	leader.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "dispatch.tick") }()
	<-entered
	if err := s.RunNow(context.Background(), "dispatch.tick"); !errors.Is(err, ErrSkipped) {
		t.Fatalf("overlapping run err=%v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%d", len(snap.Schedules))
	}
	info := snap.Schedules[0]
	if info.Runs != 1 || info.Gated != 1 || info.Skipped != 1 || runs.Load() != 1 {
		t.Fatalf("stats=%+v runs=%d", info, runs.Load())
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("unknown err=%v", err)
	}
}

func TestRunRecordsFailureAndTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	_ = s.AddInterval("slow", time.Minute, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{})

	err := s.RunNow(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	info := s.Snapshot().Schedules[0]
	if info.Failures != 1 || info.LastErr == "" {
		t.Fatalf("stats=%+v", info)
	}
}

func TestDisabledSchedulerDoesNotRun(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	_ = s.AddInterval("x", time.Minute, 0, func(context.Context) error {
		t.Error("job ran while disabled")
		return nil
	}, Options{})
	if err := s.RunNow(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
	s.Apply(Config{Enabled: true})
	if !s.Enabled() {
		t.Fatal("Apply did not enable")
	}
}

func TestCronTriggersAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	fired := make(chan struct{}, 4)
	if err := s.AddInterval("fast", 20*time.Millisecond, time.Second, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, Options{NoSpread: true}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	s.Start(context.Background())
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval schedule never fired")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if !s.Remove("fast") || s.Remove("fast") {
		t.Fatal("Remove should succeed once")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddCron("bad", "not a cron", 0, job, Options{}); err == nil {
		t.Fatal("expected cron parse error")
	}
	if err := s.AddInterval("", time.Minute, 0, job, Options{}); err == nil {
		t.Fatal("expected name error")
	}
	if err := s.AddInterval("x", time.Minute, 0, nil, Options{}); err == nil {
		t.Fatal("expected job error")
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "dispatch.tick")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= time.Minute-time.Second || gap > time.Minute {
		t.Fatalf("second run gap=%v", gap)
	}
}
