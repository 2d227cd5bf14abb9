package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Cache     CacheConfig     `json:"cache"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Lock      LockConfig      `json:"lock"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat is "<chat_id>" or "<chat_id>:<thread_id>" for the chat log sink.
	LogChat     string `json:"log_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	// SendRatePerSec caps outbound messages; default 20.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the SQL backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/arugobot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@db/arugobot?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type UpstreamConfig struct {
	BaseURL     string   `json:"base_url,omitempty"`
	MinDelay    string   `json:"min_delay,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	SlowTimeout string   `json:"slow_timeout,omitempty"`
	SlowMethods []string `json:"slow_methods,omitempty"`
	// MaxRetries is a pointer so an explicit 0 disables retries.
	MaxRetries    *int   `json:"max_retries,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

type CacheConfig struct {
	TTL string `json:"ttl,omitempty"`
}

type DispatchConfig struct {
	// Tick is a schedule string: "1m", "00:05", "*/2 * * * *", "@every 30s".
	Tick                 string `json:"tick,omitempty"`
	TickTimeout          string `json:"tick_timeout,omitempty"`
	Retention            string `json:"retention,omitempty"`
	DefaultLeadMinutes   int    `json:"default_lead_minutes,omitempty"`
	DefaultWindowMinutes int    `json:"default_window_minutes,omitempty"`
	SendTimeout          string `json:"send_timeout,omitempty"`
	Timezone             string `json:"timezone,omitempty"`
	ContestURL           string `json:"contest_url,omitempty"`
}

type LockConfig struct {
	Name              string `json:"name,omitempty"`
	TTL               string `json:"ttl,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	OpTimeout         string `json:"op_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}
