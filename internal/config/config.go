// Package config defines the polybook configuration and its validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/analytics"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYBOOK_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Feed       FeedConfig       `toml:"feed"`
	Display    DisplayConfig    `toml:"display"`
	History    HistoryConfig    `toml:"history"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Server     ServerConfig     `toml:"server"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds the CLOB REST and websocket endpoints.
type PolymarketConfig struct {
	ClobHost    string   `toml:"clob_host"`
	WsHost      string   `toml:"ws_host"`
	HTTPTimeout duration `toml:"http_timeout"`
}

// FeedConfig controls the market subscription and the connection manager.
type FeedConfig struct {
	// MarketID is the CLOB token id to track at startup. Empty starts idle.
	MarketID             string   `toml:"market_id"`
	WireFormat           string   `toml:"wire_format"`
	Sequencing           string   `toml:"sequencing"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
	HeartbeatPayload     string   `toml:"heartbeat_payload"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    duration `toml:"reconnect_max_delay"`
	ReconnectJitter      duration `toml:"reconnect_jitter"`
	ReadTimeout          duration `toml:"read_timeout"`
}

// DisplayConfig holds the initial presentation settings.
type DisplayConfig struct {
	PrecisionDigits  int       `toml:"precision_digits"`
	RowCount         int       `toml:"row_count"`
	DepthPercentages []float64 `toml:"depth_percentages"`
}

// HistoryConfig sizes the in-memory window of recent books.
type HistoryConfig struct {
	WindowSize int `toml:"window_size"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	BookTTL    duration `toml:"book_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters for the event journal.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP. It needs Redis;
	// zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// RelayChannels are Redis channels forwarded to websocket clients.
	RelayChannels []string `toml:"relay_channels"`
}

// MonitorConfig controls the monitor mode stats log.
type MonitorConfig struct {
	StatsInterval duration `toml:"stats_interval"`
}

// NotifyConfig selects the chat channels that receive feed status alerts.
// Alerts are off when no channel is configured.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	Statuses          []string `toml:"statuses"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// ("30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:    "https://clob.polymarket.com",
			WsHost:      "wss://ws-subscriptions-clob.polymarket.com",
			HTTPTimeout: duration{10 * time.Second},
		},
		Feed: FeedConfig{
			WireFormat:           "objects",
			Sequencing:           "replace",
			HeartbeatInterval:    duration{30 * time.Second},
			HeartbeatPayload:     "PING",
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   duration{time.Second},
			ReconnectMaxDelay:    duration{30 * time.Second},
			ReconnectJitter:      duration{500 * time.Millisecond},
			ReadTimeout:          duration{90 * time.Second},
		},
		Display: DisplayConfig{
			PrecisionDigits:  2,
			RowCount:         15,
			DepthPercentages: []float64{0.5, 1, 2, 5},
		},
		History: HistoryConfig{
			WindowSize: 120,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			BookTTL:    duration{time.Hour},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "polybook",
			User:          "polybook",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Second},
		},
		Monitor: MonitorConfig{
			StatsInterval: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Statuses: []string{"error"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = []string{"monitor", "server"}

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validWireFormats = []string{"objects", "tuples"}

var validSequencing = []string{"replace", "sequenced"}

var validAlertStatuses = []string{"connecting", "connected", "reconnecting", "disconnected", "error"}

// DisplaySettings returns the initial analytics display settings.
func (c *Config) DisplaySettings() analytics.DisplayConfig {
	return analytics.DisplayConfig{
		PrecisionDigits: c.Display.PrecisionDigits,
		RowCount:        c.Display.RowCount,
	}
}

// DepthPercents returns the configured depth bands as decimals.
func (c *Config) DepthPercents() []domain.Decimal {
	out := make([]domain.Decimal, 0, len(c.Display.DepthPercentages))
	for _, p := range c.Display.DepthPercentages {
		out = append(out, decimal.NewFromFloat(p))
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The error wraps
// domain.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validModes, strings.ToLower(c.Mode)) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", ")))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.HTTPTimeout.Duration <= 0 {
		errs = append(errs, "polymarket: http_timeout must be > 0")
	}

	// Feed
	if c.Mode == "monitor" && strings.TrimSpace(c.Feed.MarketID) == "" {
		errs = append(errs, "feed: market_id is required for mode monitor")
	}
	if !slices.Contains(validWireFormats, c.Feed.WireFormat) {
		errs = append(errs, fmt.Sprintf("feed: unknown wire_format %q (valid: %s)", c.Feed.WireFormat, strings.Join(validWireFormats, ", ")))
	}
	if !slices.Contains(validSequencing, c.Feed.Sequencing) {
		errs = append(errs, fmt.Sprintf("feed: unknown sequencing %q (valid: %s)", c.Feed.Sequencing, strings.Join(validSequencing, ", ")))
	}
	if c.Feed.HeartbeatInterval.Duration < 0 {
		errs = append(errs, "feed: heartbeat_interval must be >= 0")
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		errs = append(errs, "feed: max_reconnect_attempts must be >= 0")
	}
	if c.Feed.ReconnectBaseDelay.Duration <= 0 {
		errs = append(errs, "feed: reconnect_base_delay must be > 0")
	}
	if c.Feed.ReconnectMaxDelay.Duration < c.Feed.ReconnectBaseDelay.Duration {
		errs = append(errs, "feed: reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Feed.ReconnectJitter.Duration < 0 {
		errs = append(errs, "feed: reconnect_jitter must be >= 0")
	}
	if c.Feed.ReadTimeout.Duration < 0 {
		errs = append(errs, "feed: read_timeout must be >= 0")
	}

	// Display
	if err := c.DisplaySettings().Validate(); err != nil {
		errs = append(errs, "display: "+err.Error())
	}
	for _, p := range c.Display.DepthPercentages {
		if p <= 0 || p > 100 {
			errs = append(errs, fmt.Sprintf("display: depth percentage %g must be in (0, 100]", p))
		}
	}

	if c.History.WindowSize < 1 {
		errs = append(errs, "history: window_size must be >= 1")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Server
	if c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if c.Mode == "monitor" && c.Monitor.StatsInterval.Duration <= 0 {
		errs = append(errs, "monitor: stats_interval must be > 0")
	}

	// Notify
	for _, st := range c.Notify.Statuses {
		if !slices.Contains(validAlertStatuses, strings.ToLower(strings.TrimSpace(st))) {
			errs = append(errs, fmt.Sprintf("notify: unknown status %q (valid: %s)", st, strings.Join(validAlertStatuses, ", ")))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w:\n  - %s", domain.ErrInvalidConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}
