package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "POLYBOOK_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYBOOK_* environment variable overrides, and
// returns the final Config. A missing file is not an error when optional is
// true. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string, optional bool) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist) && optional:
		case err != nil:
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, 0, len(undecoded))
				for _, k := range undecoded {
					keys = append(keys, k.String())
				}
				return nil, fmt.Errorf("config: load %s: unknown keys: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYMARKET_WS_HOST")
	setDuration(&cfg.Polymarket.HTTPTimeout, "POLYMARKET_HTTP_TIMEOUT")

	// ── Feed ──
	setStr(&cfg.Feed.MarketID, "FEED_MARKET_ID")
	setStr(&cfg.Feed.WireFormat, "FEED_WIRE_FORMAT")
	setStr(&cfg.Feed.Sequencing, "FEED_SEQUENCING")
	setDuration(&cfg.Feed.HeartbeatInterval, "FEED_HEARTBEAT_INTERVAL")
	setStr(&cfg.Feed.HeartbeatPayload, "FEED_HEARTBEAT_PAYLOAD")
	setInt(&cfg.Feed.MaxReconnectAttempts, "FEED_MAX_RECONNECT_ATTEMPTS")
	setDuration(&cfg.Feed.ReconnectBaseDelay, "FEED_RECONNECT_BASE_DELAY")
	setDuration(&cfg.Feed.ReconnectMaxDelay, "FEED_RECONNECT_MAX_DELAY")
	setDuration(&cfg.Feed.ReconnectJitter, "FEED_RECONNECT_JITTER")
	setDuration(&cfg.Feed.ReadTimeout, "FEED_READ_TIMEOUT")

	// ── Display ──
	setInt(&cfg.Display.PrecisionDigits, "DISPLAY_PRECISION_DIGITS")
	setInt(&cfg.Display.RowCount, "DISPLAY_ROW_COUNT")
	setFloat64Slice(&cfg.Display.DepthPercentages, "DISPLAY_DEPTH_PERCENTAGES")

	setInt(&cfg.History.WindowSize, "HISTORY_WINDOW_SIZE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.BookTTL, "REDIS_BOOK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Server ──
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")
	setStringSlice(&cfg.Server.RelayChannels, "SERVER_RELAY_CHANNELS")

	setDuration(&cfg.Monitor.StatsInterval, "MONITOR_STATS_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.TelegramAPI, "NOTIFY_TELEGRAM_API")
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Statuses, "NOTIFY_STATUSES")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty; unparsable values are ignored.
// ---------------------------------------------------------------------------

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

func setStringSlice(dst *[]string, key string) {
	if v, ok := lookup(key); ok {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setFloat64Slice(dst *[]float64, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []float64
	for _, p := range splitList(v) {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return
		}
		out = append(out, f)
	}
	if len(out) > 0 {
		*dst = out
	}
}
