// Package config defines the top-level configuration for coinpair and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/coinpair/internal/codec"
	"github.com/alanyoungcy/coinpair/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COINPAIR_* environment variables.
type Config struct {
	Feeds       FeedsConfig       `toml:"feeds"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Aggregator  AggregatorConfig  `toml:"aggregator"`
	Divergence  DivergenceConfig  `toml:"divergence"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	LogFormat   string            `toml:"log_format"`
}

// FeedsConfig selects the exchanges and tunes every feed connection.
type FeedsConfig struct {
	Exchanges []string `toml:"exchanges"`
	// Endpoints overrides the default WebSocket URL per exchange.
	Endpoints         map[string]string `toml:"endpoints"`
	Depth             int               `toml:"depth"`
	ReconnectDelay    duration          `toml:"reconnect_delay"`
	HeartbeatInterval duration          `toml:"heartbeat_interval"`
}

// InstrumentsConfig is either a fixed symbol list or a discovery query
// against the Binance futures REST API.
type InstrumentsConfig struct {
	Symbols        []string `toml:"symbols"`
	Discover       bool     `toml:"discover"`
	BinanceRestURL string   `toml:"binance_rest_url"`
	MinQuoteVolume float64  `toml:"min_quote_volume"`
	// Limit caps the discovered list; 0 keeps everything.
	Limit          int      `toml:"limit"`
	RequestTimeout duration `toml:"request_timeout"`
}

// AggregatorConfig controls quote publishing.
type AggregatorConfig struct {
	PublishInterval duration `toml:"publish_interval"`
	StaleAfter      duration `toml:"stale_after"`
	// Display is where quotes are shown locally: "log", "table" (plain text),
	// "terminal" (interactive dashboard) or "none".
	Display string `toml:"display"`
}

// DivergenceConfig controls divergence alerting.
type DivergenceConfig struct {
	Enabled          bool     `toml:"enabled"`
	ThresholdPercent float64  `toml:"threshold_percent"`
	Cooldown         duration `toml:"cooldown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL (redis:// or rediss://) takes precedence over Addr, Password and DB.
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// QuoteTTL expires cached quotes of instruments that stop publishing.
	QuoteTTL duration `toml:"quote_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig holds divergence archival parameters.
type PipelineConfig struct {
	Enabled              bool   `toml:"enabled"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
	ArchiveCron          string `toml:"archive_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimitPerMinute caps requests per client IP; it needs Redis and is
	// ignored in monitor mode. 0 disables it.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feeds: FeedsConfig{
			Exchanges:         []string{"binance", "mexc", "bybit", "bitget", "gate", "pionex"},
			Endpoints:         map[string]string{},
			Depth:             5,
			ReconnectDelay:    duration{5 * time.Second},
			HeartbeatInterval: duration{10 * time.Second},
		},
		Instruments: InstrumentsConfig{
			Discover:       true,
			BinanceRestURL: "https://fapi.binance.com",
			MinQuoteVolume: 100_000_000,
			RequestTimeout: duration{15 * time.Second},
		},
		Aggregator: AggregatorConfig{
			PublishInterval: duration{2 * time.Second},
			StaleAfter:      duration{30 * time.Second},
			Display:         "log",
		},
		Divergence: DivergenceConfig{
			Enabled:          false,
			ThresholdPercent: 0.5,
			Cooldown:         duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			QuoteTTL:   duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "coinpair-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			Enabled:              false,
			ArchiveRetentionDays: 30,
			ArchiveCron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:            false,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"divergence", "error"},
		},
		Mode:      "monitor",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

var validDisplays = map[string]bool{
	"log":      true,
	"table":    true,
	"terminal": true,
	"none":     true,
}

// minReconnectDelay is the smallest reconnect delay accepted from a config
// file.
const minReconnectDelay = time.Second

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, full)", c.Mode))
	}

	// Logging
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	// Feeds
	if len(c.Feeds.Exchanges) == 0 {
		errs = append(errs, "feeds: exchanges must not be empty")
	}
	seen := make(map[string]bool, len(c.Feeds.Exchanges))
	for _, ex := range c.Feeds.Exchanges {
		key := strings.ToLower(strings.TrimSpace(ex))
		if !codec.Known(key) {
			errs = append(errs, fmt.Sprintf("feeds: unknown exchange %q (valid: %s)", ex, strings.Join(codec.Names(), ", ")))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Sprintf("feeds: exchange %q listed twice", ex))
		}
		seen[key] = true
	}
	for ex := range c.Feeds.Endpoints {
		if !codec.Known(ex) {
			errs = append(errs, fmt.Sprintf("feeds: endpoint override for unknown exchange %q", ex))
		}
	}
	if c.Feeds.Depth < 1 || c.Feeds.Depth > 50 {
		errs = append(errs, fmt.Sprintf("feeds: depth must be 1-50, got %d", c.Feeds.Depth))
	}
	if c.Feeds.ReconnectDelay.Duration < minReconnectDelay {
		errs = append(errs, fmt.Sprintf("feeds: reconnect_delay must be >= %s, got %s", minReconnectDelay, c.Feeds.ReconnectDelay.Duration))
	}
	if c.Feeds.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "feeds: heartbeat_interval must be > 0")
	}

	// Instruments
	if len(c.Instruments.Symbols) == 0 && !c.Instruments.Discover {
		errs = append(errs, "instruments: set symbols or enable discover")
	}
	if c.Instruments.Discover && len(c.Instruments.Symbols) == 0 {
		if c.Instruments.BinanceRestURL == "" {
			errs = append(errs, "instruments: binance_rest_url must not be empty when discover is enabled")
		}
		if c.Instruments.MinQuoteVolume < 0 {
			errs = append(errs, "instruments: min_quote_volume must be >= 0")
		}
	}
	if c.Instruments.Limit < 0 {
		errs = append(errs, "instruments: limit must be >= 0")
	}

	// Aggregator
	if c.Aggregator.PublishInterval.Duration <= 0 {
		errs = append(errs, "aggregator: publish_interval must be > 0")
	}
	if c.Aggregator.StaleAfter.Duration < 0 {
		errs = append(errs, "aggregator: stale_after must be >= 0")
	}
	if !validDisplays[strings.ToLower(c.Aggregator.Display)] {
		errs = append(errs, fmt.Sprintf("aggregator: unknown display %q (valid: log, table, terminal, none)", c.Aggregator.Display))
	}

	full := strings.EqualFold(c.Mode, "full")

	// Divergence
	if c.Divergence.Enabled {
		if c.Divergence.ThresholdPercent <= 0 {
			errs = append(errs, "divergence: threshold_percent must be > 0 when enabled")
		}
		if c.Divergence.Cooldown.Duration < 0 {
			errs = append(errs, "divergence: cooldown must be >= 0")
		}
		if !full {
			errs = append(errs, "divergence: alerts require mode full")
		}
	}

	if full {
		// Postgres
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		// Redis
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Pipeline
	if c.Pipeline.Enabled {
		if !full {
			errs = append(errs, "pipeline: archiving requires mode full")
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Pipeline.ArchiveRetentionDays < 1 {
			errs = append(errs, "pipeline: archive_retention_days must be >= 1")
		}
		if _, err := pipeline.ParseSchedule(c.Pipeline.ArchiveCron); err != nil {
			errs = append(errs, fmt.Sprintf("pipeline: archive_cron %q: %v", c.Pipeline.ArchiveCron, err))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NormalizedExchanges returns the configured exchanges lower-cased, trimmed
// and de-duplicated in their original order.
func (c *Config) NormalizedExchanges() []string {
	out := make([]string, 0, len(c.Feeds.Exchanges))
	seen := make(map[string]bool, len(c.Feeds.Exchanges))
	for _, ex := range c.Feeds.Exchanges {
		key := strings.ToLower(strings.TrimSpace(ex))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// NormalizedSymbols returns the fixed symbol list upper-cased and
// de-duplicated in order.
func (c *Config) NormalizedSymbols() []string {
	out := make([]string, 0, len(c.Instruments.Symbols))
	seen := make(map[string]bool, len(c.Instruments.Symbols))
	for _, s := range c.Instruments.Symbols {
		key := strings.ToUpper(strings.TrimSpace(s))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}
