package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COINPAIR_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COINPAIR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feeds ──
	setStringSlice(&cfg.Feeds.Exchanges, "COINPAIR_FEEDS_EXCHANGES")
	setInt(&cfg.Feeds.Depth, "COINPAIR_FEEDS_DEPTH")
	setDuration(&cfg.Feeds.ReconnectDelay, "COINPAIR_FEEDS_RECONNECT_DELAY")
	setDuration(&cfg.Feeds.HeartbeatInterval, "COINPAIR_FEEDS_HEARTBEAT_INTERVAL")

	// ── Instruments ──
	setStringSlice(&cfg.Instruments.Symbols, "COINPAIR_INSTRUMENTS_SYMBOLS")
	setBool(&cfg.Instruments.Discover, "COINPAIR_INSTRUMENTS_DISCOVER")
	setStr(&cfg.Instruments.BinanceRestURL, "COINPAIR_INSTRUMENTS_BINANCE_REST_URL")
	setFloat64(&cfg.Instruments.MinQuoteVolume, "COINPAIR_INSTRUMENTS_MIN_QUOTE_VOLUME")
	setInt(&cfg.Instruments.Limit, "COINPAIR_INSTRUMENTS_LIMIT")

	// ── Aggregator ──
	setDuration(&cfg.Aggregator.PublishInterval, "COINPAIR_AGGREGATOR_PUBLISH_INTERVAL")
	setDuration(&cfg.Aggregator.StaleAfter, "COINPAIR_AGGREGATOR_STALE_AFTER")
	setStr(&cfg.Aggregator.Display, "COINPAIR_AGGREGATOR_DISPLAY")

	// ── Divergence ──
	setBool(&cfg.Divergence.Enabled, "COINPAIR_DIVERGENCE_ENABLED")
	setFloat64(&cfg.Divergence.ThresholdPercent, "COINPAIR_DIVERGENCE_THRESHOLD_PERCENT")
	setDuration(&cfg.Divergence.Cooldown, "COINPAIR_DIVERGENCE_COOLDOWN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COINPAIR_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "COINPAIR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COINPAIR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COINPAIR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COINPAIR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COINPAIR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COINPAIR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COINPAIR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COINPAIR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COINPAIR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "COINPAIR_REDIS_URL")
	setStr(&cfg.Redis.Addr, "COINPAIR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COINPAIR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COINPAIR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COINPAIR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COINPAIR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COINPAIR_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.QuoteTTL, "COINPAIR_REDIS_QUOTE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "COINPAIR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COINPAIR_S3_REGION")
	setStr(&cfg.S3.Bucket, "COINPAIR_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "COINPAIR_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "COINPAIR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COINPAIR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COINPAIR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COINPAIR_S3_FORCE_PATH_STYLE")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.Enabled, "COINPAIR_PIPELINE_ENABLED")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "COINPAIR_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "COINPAIR_PIPELINE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COINPAIR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COINPAIR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COINPAIR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COINPAIR_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "COINPAIR_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COINPAIR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COINPAIR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COINPAIR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COINPAIR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COINPAIR_MODE")
	setStr(&cfg.LogLevel, "COINPAIR_LOG_LEVEL")
	setStr(&cfg.LogFormat, "COINPAIR_LOG_FORMAT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
