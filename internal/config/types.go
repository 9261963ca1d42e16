package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string keeps the component default.
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Session   SessionConfig   `json:"session,omitempty"`
	Pacing    PacingConfig    `json:"pacing"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Hub       HubConfig       `json:"hub,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	Events    EventsConfig    `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./outreach.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// TelegramConfig configures the account transport. Driver "loopback" runs an
// in-process network with no Telegram traffic.
type TelegramConfig struct {
	Driver string `json:"driver,omitempty"` // telegram (default) | loopback
	// Tokens maps account id to bot token (do not log).
	Tokens      map[string]string `json:"tokens,omitempty"`
	PollTimeout string            `json:"poll_timeout,omitempty"`
	Offline     bool              `json:"offline,omitempty"`
	APIURL      string            `json:"api_url,omitempty"`
}

// SessionConfig controls account ownership. With lease "redis" several
// orchestrator processes can share one account table.
type SessionConfig struct {
	Lease         string `json:"lease,omitempty"` // memory (default) | redis
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	LeaseTTL      string `json:"lease_ttl,omitempty"`
	LeaseRefresh  string `json:"lease_refresh,omitempty"`
	InboundBuffer int    `json:"inbound_buffer,omitempty"`
}

type PacingConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	MinDelay          string `json:"min_delay,omitempty"`
	MaxDelay          string `json:"max_delay,omitempty"`
	DefaultDailyLimit int    `json:"default_daily_limit,omitempty"`
}

// DispatchConfig controls the send worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - retry_max: 3, retry_base: "2s", retry_max_delay: "5m"
//   - send_timeout: "30s"
//   - lead_busy_delay: "2s"
type DispatchConfig struct {
	Workers       int      `json:"workers,omitempty"`
	QueueSize     int      `json:"queue_size,omitempty"`
	RetryMax      int      `json:"retry_max,omitempty"`
	RetryBase     string   `json:"retry_base,omitempty"`
	RetryMaxDelay string   `json:"retry_max_delay,omitempty"`
	RetryJitter   *float64 `json:"retry_jitter,omitempty"`
	SendTimeout   string   `json:"send_timeout,omitempty"`
	LeadBusyDelay string   `json:"lead_busy_delay,omitempty"`
	HoldDelay     string   `json:"hold_delay,omitempty"`
	HistorySize   int      `json:"history_size,omitempty"`

	// CircuitTripFailures < 0 disables the per-account breaker.
	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
}

type SchedulerConfig struct {
	// Tick accepts "2s", "every:5s" or a cron expression.
	Tick string `json:"tick,omitempty"`
	// DailyReset is HH:MM in the pacing timezone.
	DailyReset       string `json:"daily_reset,omitempty"`
	SchedulingWindow string `json:"scheduling_window,omitempty"`
	BanThreshold     int    `json:"ban_threshold,omitempty"`
	JobTimeout       string `json:"job_timeout,omitempty"`
}

type HubConfig struct {
	SubscriberBuffer int      `json:"subscriber_buffer,omitempty"`
	WriteWait        string   `json:"write_wait,omitempty"`
	PongWait         string   `json:"pong_wait,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	// CommandTimeout bounds one admin command.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// HTTPConfig controls the operational listener (/ws, /metrics, probes).
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8080").
//   - A non-loopback addr needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Disabled      bool   `json:"disabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp,omitempty"`
}

type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"` // do not log
	Exchange string `json:"exchange,omitempty"`
}
