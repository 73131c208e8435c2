package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/coinpair/internal/config"
	"github.com/alanyoungcy/coinpair/internal/sink"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// bookServer sends frame once per connection, after the subscribe message
// when readSubscribe is set, and then holds the connection open.
func bookServer(t *testing.T, readSubscribe bool, frame string) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if readSubscribe {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestMonitorModeRendersTable(t *testing.T) {
	cfg := config.Defaults()
	cfg.Feeds.Exchanges = []string{"binance", "bybit"}
	cfg.Feeds.Endpoints = map[string]string{
		"binance": bookServer(t, false, `{"e":"depthUpdate","b":[["50000","1"]],"a":[["50001","1"]]}`),
		"bybit":   bookServer(t, true, `{"topic":"orderbook.200.BTCUSDT","type":"snapshot","data":{"s":"BTCUSDT","b":[["50010","1"]],"a":[["50011","1"]]}}`),
	}
	cfg.Instruments.Symbols = []string{"btcusdt"}
	cfg.Aggregator.Display = "table"

	out := &syncBuffer{}
	a := New(&cfg, discard())
	a.out = out
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "0.020") {
		if time.Now().After(deadline) {
			t.Fatalf("table never showed the spread:\n%s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "Difference (%)") || !strings.Contains(out.String(), "BTCUSDT") {
		t.Errorf("unexpected table:\n%s", out.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestResolveInstruments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fapi/v1/exchangeInfo", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","quoteAsset":"USDT"},{"symbol":"DOGEUSDT","quoteAsset":"USDT"}]}`)
	})
	mux.HandleFunc("GET /fapi/v1/ticker/24hr", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"symbol":"DOGEUSDT","quoteVolume":"5"},{"symbol":"BTCUSDT","quoteVolume":"500"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		want    string
		wantErr bool
	}{
		{
			name:   "fixed symbols win",
			mutate: func(c *config.Config) { c.Instruments.Symbols = []string{"ethusdt", "ETHUSDT", "solusdt"} },
			want:   "ETHUSDT,SOLUSDT",
		},
		{
			name:   "discovery",
			mutate: func(c *config.Config) { c.Instruments.MinQuoteVolume = 10 },
			want:   "BTCUSDT",
		},
		{
			name:    "nothing liquid",
			mutate:  func(c *config.Config) { c.Instruments.MinQuoteVolume = 1e9 },
			wantErr: true,
		},
		{
			name:    "discovery disabled",
			mutate:  func(c *config.Config) { c.Instruments.Discover = false },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Instruments.BinanceRestURL = srv.URL
			tt.mutate(&cfg)

			got, err := New(&cfg, discard()).resolveInstruments(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, ",") != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestSupervisorConfigAndDisplay(t *testing.T) {
	cfg := config.Defaults()
	cfg.Feeds.Exchanges = []string{"Binance", "gate", "binance"}
	cfg.Feeds.Endpoints = map[string]string{"gate": "wss://gate.test/ws"}
	a := New(&cfg, discard())

	sc := a.supervisorConfig()
	if len(sc.Exchanges) != 2 || sc.Exchanges[0].Name != "binance" || sc.Exchanges[1].URL != "wss://gate.test/ws" {
		t.Errorf("exchanges = %+v", sc.Exchanges)
	}
	if sc.PublishInterval != 2*time.Second || sc.ReconnectDelay != 5*time.Second {
		t.Errorf("intervals = %v / %v", sc.PublishInterval, sc.ReconnectDelay)
	}

	tests := []struct {
		display string
		check   func(any) bool
		runs    bool
	}{
		{"log", func(s any) bool { _, ok := s.(*sink.LogSink); return ok }, false},
		{"table", func(s any) bool { _, ok := s.(*sink.TableSink); return ok }, false},
		{"terminal", func(s any) bool { _, ok := s.(*sink.Dashboard); return ok }, true},
		{"none", func(s any) bool { return s == nil }, false},
	}
	for _, tt := range tests {
		cfg.Aggregator.Display = tt.display
		s, run, err := a.display(func() {})
		if err != nil {
			t.Fatalf("display %q: %v", tt.display, err)
		}
		if !tt.check(s) {
			t.Errorf("display %q built %T", tt.display, s)
		}
		if (run != nil) != tt.runs {
			t.Errorf("display %q run = %v, want %v", tt.display, run != nil, tt.runs)
		}
	}
}
