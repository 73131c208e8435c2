package config

import (
	"maps"
	"net/url"
	"path"
	"slices"
	"strings"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Plain secrets
// become "***"; connection URLs keep their shape with only the password
// hidden. Slices and maps are cloned so the copy can be edited freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactURL(cfg.Postgres.DSN)
	out.Redis.URL = redactURL(cfg.Redis.URL)
	out.Notify.DiscordWebhookURL = redactWebhook(cfg.Notify.DiscordWebhookURL)
	for _, s := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Feeds.Exchanges = slices.Clone(cfg.Feeds.Exchanges)
	out.Feeds.Endpoints = maps.Clone(cfg.Feeds.Endpoints)
	out.Instruments.Symbols = slices.Clone(cfg.Instruments.Symbols)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

// redactURL hides the password of a URL-form connection string. Strings
// that do not parse as URLs with a host are hidden entirely.
func redactURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return redacted
	}
	return u.Redacted()
}

// redactWebhook keeps the webhook host and id but hides its token, the
// last path element.
func redactWebhook(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return redacted
	}
	dir := strings.TrimSuffix(path.Dir(u.Path), "/")
	return u.Scheme + "://" + u.Host + dir + "/" + redacted
}
