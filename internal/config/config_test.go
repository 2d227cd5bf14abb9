package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const validJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [42]},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/bot.db"},
  "upstream": {"min_delay": "2s", "max_retries": 0},
  "cache": {"ttl": "10m"},
  "dispatch": {"tick": "1m", "retention": "336h"},
  "lock": {"ttl": "3m", "heartbeat_interval": "30s"},
  "scheduler": {"enabled": true, "timezone": "UTC"}
}`

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: debug
storage:
  driver: postgres
  dsn: postgres://bot@localhost/arugobot?sslmode=disable
dispatch:
  tick: "*/2 * * * *"
  tick_timeout: 90s
scheduler:
  enabled: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()

	cfg, err := NewManager(writeFile(t, "config.json", validJSON)).Load()
	if err != nil {
		t.Fatalf("json Load: %v", err)
	}
	if cfg.Upstream.MaxRetries == nil || *cfg.Upstream.MaxRetries != 0 {
		t.Fatalf("explicit max_retries 0 lost: %v", cfg.Upstream.MaxRetries)
	}
	if diff := cmp.Diff([]int64{42}, cfg.Telegram.OwnerUserIDs); diff != "" {
		t.Fatalf("owners (-want +got):\n%s", diff)
	}

	m := NewManager(writeFile(t, "config.yaml", validYAML))
	ycfg, err := m.Load()
	if err != nil {
		t.Fatalf("yaml Load: %v", err)
	}
	if ycfg.Storage.Driver != "postgres" || ycfg.Dispatch.Tick != "*/2 * * * *" || ycfg.Upstream.MaxRetries != nil {
		t.Fatalf("yaml decoded wrong: %+v", ycfg)
	}
	if m.Get() != ycfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown.json":  `{"telegram": {"token": "x", "bogus": 1}}`,
		"trailing.json": `{"telegram": {"token": "x"}} {}`,
		"unknown.yaml":  "telegram:\n  token: x\nplugins: {}\n",
		"empty.yml":     "",
	}
	for name, body := range tests {
		if _, err := NewManager(writeFile(t, name, body)).Parse(); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "token", mutate: func(c *Config) { c.Telegram.Token = " " }, wantErr: "telegram.token"},
		{name: "driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Driver = "pg" }, wantErr: "storage.dsn"},
		{name: "duration", mutate: func(c *Config) { c.Upstream.Timeout = "soon" }, wantErr: "upstream.timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Cache.TTL = "-1m" }, wantErr: "cache.ttl"},
		{name: "timezone", mutate: func(c *Config) { c.Dispatch.Timezone = "Mars/Olympus" }, wantErr: "dispatch.timezone"},
		{name: "retries", mutate: func(c *Config) { n := -1; c.Upstream.MaxRetries = &n }, wantErr: "upstream.max_retries"},
		{
			name: "lock ttl too short",
			mutate: func(c *Config) {
				c.Lock.TTL = "2m"
				c.Lock.HeartbeatInterval = "30s"
				c.Dispatch.TickTimeout = "90s"
			},
			wantErr: "must exceed",
		},
		{
			name: "lock ttl just enough",
			mutate: func(c *Config) {
				c.Lock.TTL = "2m1s"
				c.Lock.HeartbeatInterval = "30s"
				c.Dispatch.TickTimeout = "90s"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLockTimingsDefaults(t *testing.T) {
	t.Parallel()
	ttl, hb, tick, err := (&Config{}).LockTimings()
	if err != nil {
		t.Fatal(err)
	}
	if ttl != DefaultLockTTL || hb != DefaultHeartbeatInterval || tick != DefaultTickTimeout {
		t.Fatalf("got %s %s %s", ttl, hb, tick)
	}
	if ttl <= tick+hb {
		t.Fatal("defaults violate the lock ttl rule")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}}, Storage: StorageConfig{DSN: "secret"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "a", OwnerUserIDs: []int64{1, 2}},
		Storage:   StorageConfig{DSN: "other-secret"},
		Dispatch:  DispatchConfig{Retention: "48h"},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if diff := cmp.Diff([]string{"dispatch", "scheduler", "storage", "telegram.owners"}, changed); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"storage"}, restart); diff != "" {
		t.Fatalf("restart (-want +got):\n%s", diff)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", validJSON)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid: missing token. Must not be published.
	if err := os.WriteFile(p, []byte(`{"telegram": {"token": ""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	updated := strings.Replace(validJSON, `"level": "info"`, `"level": "debug"`, 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}
