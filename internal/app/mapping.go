package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canislupaster/arugobot-improved-sub003/internal/config"
	"github.com/canislupaster/arugobot-improved-sub003/internal/contests"
	"github.com/canislupaster/arugobot-improved-sub003/internal/coordinator"
	"github.com/canislupaster/arugobot-improved-sub003/internal/dispatch"
	"github.com/canislupaster/arugobot-improved-sub003/internal/storage"
	"github.com/canislupaster/arugobot-improved-sub003/internal/task/scheduler"
	kit "github.com/canislupaster/arugobot-improved-sub003/internal/transport"
	telegram "github.com/canislupaster/arugobot-improved-sub003/internal/transport/telegram/adapter"
	"github.com/canislupaster/arugobot-improved-sub003/internal/upstream"
	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, nil
}

// mapLogConfig builds the logx config. A log chat that does not parse leaves
// the chat sink disabled.
func mapLogConfig(cfg *config.Config) logx.Config {
	out := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if raw := strings.TrimSpace(cfg.Telegram.LogChat); raw != "" {
		if t, err := kit.ParseChatTarget(raw); err == nil {
			out.Chat.Target = t
		}
	}
	if out.Chat.Target.ChatID == 0 {
		out.Chat.Enabled = false
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}, nil
}

func mapUpstreamConfig(cfg *config.Config) (upstream.Config, error) {
	u := cfg.Upstream
	minDelay, e1 := config.ParseDurationField("upstream.min_delay", u.MinDelay)
	timeout, e2 := config.ParseDurationField("upstream.timeout", u.Timeout)
	slow, e3 := config.ParseDurationField("upstream.slow_timeout", u.SlowTimeout)
	base, e4 := config.ParseDurationField("upstream.retry_base", u.RetryBase)
	maxDelay, e5 := config.ParseDurationField("upstream.retry_max_delay", u.RetryMaxDelay)
	if err := errors.Join(e1, e2, e3, e4, e5); err != nil {
		return upstream.Config{}, err
	}
	retries := config.DefaultMaxRetries
	if u.MaxRetries != nil {
		retries = *u.MaxRetries
	}
	return upstream.Config{
		BaseURL:       u.BaseURL,
		MinDelay:      minDelay,
		Timeout:       timeout,
		SlowTimeout:   slow,
		SlowMethods:   u.SlowMethods,
		MaxRetries:    retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		UserAgent:     u.UserAgent,
	}, nil
}

func mapCacheConfig(cfg *config.Config) (contests.Config, error) {
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, config.DefaultCacheTTL)
	if err != nil {
		return contests.Config{}, err
	}
	return contests.Config{TTL: ttl}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	retention, e1 := config.ParseDurationField("dispatch.retention", d.Retention)
	sendTimeout, e2 := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err := errors.Join(e1, e2); err != nil {
		return dispatch.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.timezone: %w", err)
		}
		loc = l
	}
	return dispatch.Config{
		Retention:            retention,
		DefaultLeadMinutes:   d.DefaultLeadMinutes,
		DefaultWindowMinutes: d.DefaultWindowMinutes,
		SendTimeout:          sendTimeout,
		Location:             loc,
		ContestURL:           strings.TrimSpace(d.ContestURL),
	}, nil
}

func mapCoordinatorConfig(cfg *config.Config, ownerID string, pid int) (coordinator.Config, error) {
	ttl, heartbeat, _, err := cfg.LockTimings()
	if err != nil {
		return coordinator.Config{}, err
	}
	opTimeout, err := config.ParseDurationField("lock.op_timeout", cfg.Lock.OpTimeout)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		Name:              strings.TrimSpace(cfg.Lock.Name),
		OwnerID:           ownerID,
		PID:               pid,
		TTL:               ttl,
		HeartbeatInterval: heartbeat,
		OpTimeout:         opTimeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func tickSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Dispatch.Tick); s != "" {
		return s
	}
	return config.DefaultTick
}
