package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Embed side-bar colours.
const (
	colorDivergence = 0xE67E22
	colorError      = 0xE74C3C
	colorDefault    = 0x95A5A6
)

// DiscordSender posts alerts to a channel webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "coinpair",
		client:     &http.Client{Timeout: sendTimeout},
	}
}

type discordWebhook struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// discordRateLimit is the body Discord sends with a 429.
type discordRateLimit struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

// Send implements Sender. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	status, body, err := postJSON(ctx, d.client, d.webhookURL, discordWebhook{
		Username: d.username,
		Embeds:   []discordEmbed{discordEmbedFor(a)},
	})
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	if status == http.StatusTooManyRequests {
		var rl discordRateLimit
		if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
			return fmt.Errorf("discord: rate limited, retry after %.1fs", rl.RetryAfter)
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("discord: status %d: %s", status, string(body))
	}
	return nil
}

// Name implements Sender.
func (d *DiscordSender) Name() string { return "discord" }

func discordEmbedFor(a Alert) discordEmbed {
	e := discordEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       colorDefault,
	}
	switch a.Event {
	case EventDivergence:
		e.Color = colorDivergence
	case EventError:
		e.Color = colorError
	}
	if !a.At.IsZero() {
		e.Timestamp = a.At.UTC().Format(time.RFC3339)
	}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return e
}
