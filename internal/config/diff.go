package config

import (
	"reflect"
	"slices"
	"strings"

	logx "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"
)

// hotSections apply without a restart.
var hotSections = []string{"cache", "dispatch", "logging", "scheduler", "telegram.owners"}

// SummarizeConfigChange returns the changed sections (sorted), safe log
// fields (never secrets) and the subset of changes that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if !slices.Equal(o.OwnerUserIDs, n.OwnerUserIDs) {
		changed = append(changed, "telegram.owners")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(n.OwnerUserIDs)))
	}
	if o.Token != n.Token || o.PollTimeout != n.PollTimeout || o.APIURL != n.APIURL ||
		o.SendRatePerSec != n.SendRatePerSec || strings.TrimSpace(o.LogChat) != strings.TrimSpace(n.LogChat) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.poll_timeout", n.PollTimeout),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(n.LogChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage: never log the DSN, it may carry credentials.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.dsn_changed", oldS.DSN != newS.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
		attrs = append(attrs, logx.String("upstream.base_url", newCfg.Upstream.BaseURL), logx.String("upstream.min_delay", newCfg.Upstream.MinDelay))
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.ttl", newCfg.Cache.TTL))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.tick", newCfg.Dispatch.Tick),
			logx.String("dispatch.retention", newCfg.Dispatch.Retention),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
		)
	}
	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.String("lock.ttl", newCfg.Lock.TTL), logx.String("lock.heartbeat_interval", newCfg.Lock.HeartbeatInterval))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled), logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	slices.Sort(changed)
	for _, s := range changed {
		if !slices.Contains(hotSections, s) {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
