package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender posts alerts to one chat through the Bot API sendMessage
// method, formatted as HTML.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a sender for the bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// telegramReply is the Bot API envelope; ok is false on failure even when
// the status is 200.
type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements Sender.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  telegramText(a),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	url := t.apiBase + "/bot" + t.token + "/sendMessage"

	status, body, err := postJSON(ctx, t.client, url, msg)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	var reply telegramReply
	if jerr := json.Unmarshal(body, &reply); jerr == nil && !reply.OK && reply.Description != "" {
		return fmt.Errorf("telegram: status %d: %s", status, reply.Description)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("telegram: status %d: %s", status, string(body))
	}
	return nil
}

// Name implements Sender.
func (t *TelegramSender) Name() string { return "telegram" }

func telegramText(a Alert) string {
	var b strings.Builder
	b.WriteString("<b>" + html.EscapeString(a.Title) + "</b>")
	if a.Body != "" {
		b.WriteString("\n" + html.EscapeString(a.Body))
	}
	if len(a.Fields) > 0 {
		b.WriteString("\n")
	}
	for _, f := range a.Fields {
		b.WriteString("\n<b>" + html.EscapeString(f.Name) + ":</b> <code>" + html.EscapeString(f.Value) + "</code>")
	}
	return b.String()
}
