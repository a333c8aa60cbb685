package config

// Config is the root of the taskpulse configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	App        AppConfig        `json:"app"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage" validate:"required"`
	Broker     BrokerConfig     `json:"broker" validate:"required"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Publisher  PublisherConfig  `json:"publisher"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Engine     EngineConfig     `json:"engine"`
	Users      UsersConfig      `json:"users"`
	Telegram   TelegramConfig   `json:"telegram"`
	Email      EmailConfig      `json:"email"`
	Ops        OpsConfig        `json:"ops"`
}

type AppConfig struct {
	// Roles selects which halves run in this process: "reconciler", "dispatcher".
	// Empty means both.
	Roles    []string `json:"roles,omitempty" validate:"dive,oneof=reconciler dispatcher"`
	Timezone string   `json:"timezone,omitempty"`
	// Watchdog enables systemd watchdog keepalives when WATCHDOG_USEC is set.
	Watchdog bool `json:"watchdog,omitempty"`
}

type LoggingConfig struct {
	Level  string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Format string          `json:"format,omitempty" validate:"omitempty,oneof=console json"`
	File   LogFileConfig   `json:"file"`
	Alerts LogAlertsConfig `json:"alerts"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogAlertsConfig forwards error logs to an operator Telegram chat.
type LogAlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type StorageConfig struct {
	Driver      string `json:"driver" validate:"required,oneof=memory sqlite postgres"`
	Path        string `json:"path,omitempty" validate:"required_if=Driver sqlite"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxOpen     int    `json:"max_open_conns,omitempty" validate:"gte=0"`
	// MigrateOnStart runs pending schema migrations during startup. Default true.
	MigrateOnStart *bool `json:"migrate_on_start,omitempty"`
}

type BrokerConfig struct {
	Driver string `json:"driver" validate:"required,oneof=memory kafka"`
	// Brokers lists Kafka bootstrap addresses (host:port).
	Brokers      []string `json:"brokers,omitempty" validate:"required_if=Driver kafka,dive,hostname_port"`
	ClientID     string   `json:"client_id,omitempty"`
	GroupID      string   `json:"group_id,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	// MaxAttempts is the number of delivery attempts before a message is dead-lettered.
	MaxAttempts int    `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Backoff     string `json:"backoff,omitempty"`
}

type ReconcilerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Schedule is an interval ("60s", "every:1m") or a cron expression.
	Schedule      string `json:"schedule,omitempty"`
	InitialDelay  string `json:"initial_delay,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`
	Granularity   string `json:"granularity,omitempty"`
	SoonWindow    string `json:"soon_window,omitempty"`
	Parallelism   int    `json:"parallelism,omitempty" validate:"gte=0,lte=64"`
}

type PublisherConfig struct {
	Timeout string `json:"timeout,omitempty"`
	// BreakerTrip opens the publish breaker after N consecutive failures. 0 disables it.
	BreakerTrip int `json:"breaker_trip,omitempty" validate:"gte=0"`
}

type DispatcherConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	VerifyURLBase   string `json:"verify_url_base,omitempty" validate:"omitempty,url"`
	TelegramRatePer int    `json:"telegram_rate_per_sec,omitempty" validate:"gte=0"`
}

// EngineConfig controls the job executor that runs reconciliation ticks.
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize   int    `json:"queue_size,omitempty" validate:"gte=0"`
	HistorySize int    `json:"history_size,omitempty" validate:"gte=0"`
	Timeout     string `json:"timeout,omitempty"`
}

type UsersConfig struct {
	Driver  string `json:"driver" validate:"omitempty,oneof=http static"`
	BaseURL string `json:"base_url,omitempty" validate:"required_if=Driver http"`
	// Path is appended to BaseURL; {id} is replaced with the owner id.
	Path    string       `json:"path,omitempty"`
	Token   string       `json:"token,omitempty"`
	Timeout string       `json:"timeout,omitempty"`
	Static  []StaticUser `json:"static,omitempty" validate:"dive"`
}

type StaticUser struct {
	ID             int64  `json:"id" validate:"gt=0"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty" validate:"omitempty,email"`
	TelegramChatID *int64 `json:"telegram_chat_id,omitempty"`
}

// TelegramConfig configures the bot. Send pacing lives in
// dispatcher.telegram_rate_per_sec so it can change without a restart.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty" validate:"required_if=Enabled true"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty" validate:"required_if=Enabled true"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty" validate:"omitempty,email"`
	FromName string `json:"from_name,omitempty"`
	// TLS is one of "starttls" (default), "tls", "none".
	TLS     string `json:"tls,omitempty" validate:"omitempty,oneof=starttls tls none"`
	Timeout string `json:"timeout,omitempty"`
}

type OpsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Profiler bool   `json:"profiler,omitempty"`
	// Token, when set, is required as a bearer token on mutating endpoints.
	Token string `json:"token,omitempty"`
}

// HasRole reports whether role is enabled. No roles means all roles.
func (c AppConfig) HasRole(role string) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ReconcilerEnabled defaults to true.
func (c ReconcilerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// IsEnabled defaults to true.
func (c DispatcherConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c StorageConfig) ShouldMigrate() bool { return c.MigrateOnStart == nil || *c.MigrateOnStart }
