package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults shared by validation and the app wiring.
const (
	DefaultTick              = "1m"
	DefaultTickTimeout       = 2 * time.Minute
	DefaultLockTTL           = 3 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCacheTTL          = 10 * time.Minute
	DefaultMaxRetries        = 3
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// LockTimings resolves the lock and tick durations with defaults applied.
func (c *Config) LockTimings() (ttl, heartbeat, tickTimeout time.Duration, err error) {
	ttl, e1 := ParseDurationOrDefault("lock.ttl", c.Lock.TTL, DefaultLockTTL)
	heartbeat, e2 := ParseDurationOrDefault("lock.heartbeat_interval", c.Lock.HeartbeatInterval, DefaultHeartbeatInterval)
	tickTimeout, e3 := ParseDurationOrDefault("dispatch.tick_timeout", c.Dispatch.TickTimeout, DefaultTickTimeout)
	return ttl, heartbeat, tickTimeout, errors.Join(e1, e2, e3)
}

// Validate reports every problem found, joined.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	if c.Telegram.SendRatePerSec < 0 {
		add(errors.New("telegram.send_rate_per_sec: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unsupported %q (use sqlite or postgres)", c.Storage.Driver))
	}

	durations := map[string]string{
		"telegram.poll_timeout":    c.Telegram.PollTimeout,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"upstream.min_delay":       c.Upstream.MinDelay,
		"upstream.timeout":         c.Upstream.Timeout,
		"upstream.slow_timeout":    c.Upstream.SlowTimeout,
		"upstream.retry_base":      c.Upstream.RetryBase,
		"upstream.retry_max_delay": c.Upstream.RetryMaxDelay,
		"cache.ttl":                c.Cache.TTL,
		"dispatch.retention":       c.Dispatch.Retention,
		"dispatch.send_timeout":    c.Dispatch.SendTimeout,
		"lock.op_timeout":          c.Lock.OpTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if c.Upstream.MaxRetries != nil && *c.Upstream.MaxRetries < 0 {
		add(errors.New("upstream.max_retries: must be >= 0"))
	}
	if c.Dispatch.DefaultLeadMinutes < 0 || c.Dispatch.DefaultWindowMinutes < 0 {
		add(errors.New("dispatch: default minutes must be >= 0"))
	}
	for path, tz := range map[string]string{"dispatch.timezone": c.Dispatch.Timezone, "scheduler.timezone": c.Scheduler.Timezone} {
		if tz = strings.TrimSpace(tz); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("%s: %w", path, err))
			}
		}
	}

	ttl, heartbeat, tickTimeout, err := c.LockTimings()
	add(err)
	if err == nil && ttl <= tickTimeout+heartbeat {
		add(fmt.Errorf("lock.ttl (%s) must exceed dispatch.tick_timeout (%s) + lock.heartbeat_interval (%s)", ttl, tickTimeout, heartbeat))
	}
	return errors.Join(errs...)
}
