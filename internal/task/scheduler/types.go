package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Moscow"; empty means Local
}

// Job is the unit of scheduled work.
type Job func(ctx context.Context) error

// Options tune a single schedule.
type Options struct {
	// Gate is consulted on every trigger; false skips the run.
	Gate func() bool
	// NoSpread disables the random startup delay for interval schedules.
	NoSpread bool
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	timeout time.Duration
	job     Job
	opt     Options
	entryID cron.EntryID

	running atomic.Bool
	stats   *runStats
}

type runStats struct {
	mu        sync.Mutex
	runs      uint64
	failures  uint64
	skipped   uint64
	gated     uint64
	lastStart time.Time
	lastDur   time.Duration
	lastErr   string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	base   context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name      string
	Spec      string
	Timeout   time.Duration
	Next      time.Time
	Prev      time.Time
	Running   bool
	Runs      uint64
	Failures  uint64
	Skipped   uint64
	Gated     uint64
	LastStart time.Time
	LastDur   time.Duration
	LastErr   string
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
