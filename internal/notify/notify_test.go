package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSender struct {
	name   string
	err    error
	alerts []Alert
}

func (r *recordSender) Send(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func divergence() domain.DivergenceEvent {
	return domain.DivergenceEvent{
		ID:            "ev-1",
		Instrument:    "BTCUSDT",
		HighExchange:  "binance",
		LowExchange:   "bybit",
		HighBid:       decimal.RequireFromString("50300"),
		LowBid:        decimal.RequireFromString("50000"),
		SpreadPercent: 0.6,
		DetectedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDivergenceAlert(t *testing.T) {
	a := DivergenceAlert(divergence())
	if a.Event != EventDivergence || a.Title != "Divergence BTCUSDT 0.600%" {
		t.Errorf("alert = %+v", a)
	}
	if a.Body != "binance bids 300 above bybit" {
		t.Errorf("body = %q", a.Body)
	}
	if len(a.Fields) != 3 || a.Fields[0].Value != "binance 50300" || a.Fields[1].Value != "bybit 50000" {
		t.Errorf("fields = %+v", a.Fields)
	}
}

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{" Divergence "}, discardLogger())

	if err := n.Notify(context.Background(), FailureAlert("full", errors.New("x"), time.Now())); err != nil {
		t.Fatal(err)
	}
	if len(rec.alerts) != 0 {
		t.Fatalf("filtered event delivered: %v", rec.alerts)
	}
	if err := n.Notify(context.Background(), DivergenceAlert(divergence())); err != nil {
		t.Fatal(err)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("alerts = %v, want one", rec.alerts)
	}

	open := NewNotifier([]Sender{rec}, nil, discardLogger())
	if err := open.Notify(context.Background(), Alert{Event: "other", Title: "t"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.alerts) != 2 || rec.alerts[1].At.IsZero() {
		t.Fatalf("unfiltered notifier should deliver and stamp the alert: %+v", rec.alerts)
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordSender{name: "bad", err: boom}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), FailureAlert("full", errors.New("feeds down"), time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if len(good.alerts) != 1 {
		t.Error("second sender skipped after first failed")
	}
}

func TestTelegramSender(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		wantErr string
	}{
		{"delivered", http.StatusOK, `{"ok":true}`, ""},
		{"api error", http.StatusBadRequest, `{"ok":false,"description":"Bad Request: chat not found"}`, "chat not found"},
		{"gateway error", http.StatusBadGateway, `upstream`, "status 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			var msg telegramMessage
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				_ = json.NewDecoder(r.Body).Decode(&msg)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.reply)
			}))
			defer srv.Close()

			s := NewTelegramSender("TOKEN", "42")
			s.apiBase = srv.URL
			a := DivergenceAlert(divergence())
			a.Body = "bid <b>&"
			err := s.Send(context.Background(), a)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Send: %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if gotPath != "/botTOKEN/sendMessage" {
				t.Errorf("path = %q", gotPath)
			}
			if msg.ChatID != "42" || msg.ParseMode != "HTML" {
				t.Errorf("message = %+v", msg)
			}
			if !strings.HasPrefix(msg.Text, "<b>Divergence BTCUSDT 0.600%</b>") ||
				!strings.Contains(msg.Text, "bid &lt;b&gt;&amp;") ||
				!strings.Contains(msg.Text, "<b>High:</b> <code>binance 50300</code>") {
				t.Errorf("text = %q", msg.Text)
			}
		})
	}
}

func TestDiscordSenderEmbed(t *testing.T) {
	var hook discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&hook)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL).Send(context.Background(), DivergenceAlert(divergence())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hook.Username != "coinpair" || len(hook.Embeds) != 1 {
		t.Fatalf("webhook = %+v", hook)
	}
	e := hook.Embeds[0]
	if e.Title != "Divergence BTCUSDT 0.600%" || e.Color != colorDivergence || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("embed = %+v", e)
	}
	if len(e.Fields) != 3 || e.Fields[2].Name != "Spread" || e.Fields[2].Value != "0.600%" || !e.Fields[2].Inline {
		t.Errorf("fields = %+v", e.Fields)
	}
}

func TestDiscordSenderErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"message":"You are being rate limited.","retry_after":1.5}`, "retry after 1.5s"},
		{"bad webhook", http.StatusNotFound, `{"message":"Unknown Webhook"}`, "status 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := NewDiscordSender(srv.URL).Send(context.Background(), FailureAlert("monitor", errors.New("x"), time.Now()))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
