package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// chanBus is a SignalBus whose single subscription is fed by the test.
type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func startHub(t *testing.T) (*Hub, *chanBus, *httptest.Server, context.CancelFunc) {
	t.Helper()
	bus := &chanBus{ch: make(chan []byte)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "Full"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, bus, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func quotePayload(instrument string) []byte {
	return []byte(`{"instrument":"` + instrument + `","spread_percent":0.1}`)
}

func instrumentOf(t *testing.T, f Frame) string {
	t.Helper()
	var q struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(f.Payload, &q); err != nil {
		t.Fatalf("payload %s: %v", f.Payload, err)
	}
	return q.Instrument
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubReplaysLatestQuotesOnConnect(t *testing.T) {
	hub, bus, srv, _ := startHub(t)

	bus.ch <- quotePayload("ETHUSDT")
	bus.ch <- []byte(`not json`)
	bus.ch <- quotePayload("BTCUSDT")
	bus.ch <- quotePayload("ETHUSDT")

	conn := dial(t, srv)
	status := readFrame(t, conn)
	if status.Type != "status" || !strings.Contains(string(status.Payload), `"mode":"full"`) {
		t.Fatalf("status frame = %+v", status)
	}
	for _, want := range []string{"BTCUSDT", "ETHUSDT"} {
		f := readFrame(t, conn)
		if f.Type != "quote" || f.Channel != "ch:quote:"+want || instrumentOf(t, f) != want {
			t.Fatalf("replayed frame = %+v, want %s", f, want)
		}
	}
	waitClients(t, hub, 1)
}

func TestHubFiltersByInstrument(t *testing.T) {
	hub, bus, srv, _ := startHub(t)
	bus.ch <- quotePayload("SOLUSDT")

	conn := dial(t, srv)
	readFrame(t, conn) // status
	readFrame(t, conn) // SOLUSDT replay
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(Request{Action: "set", Instruments: []string{"btcusdt"}}); err != nil {
		t.Fatal(err)
	}
	c := onlyClient(t, hub)
	deadline := time.Now().Add(3 * time.Second)
	for c.wants("ETHUSDT") {
		if time.Now().After(deadline) {
			t.Fatal("filter never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	bus.ch <- quotePayload("ETHUSDT")
	bus.ch <- quotePayload("BTCUSDT")
	if got := instrumentOf(t, readFrame(t, conn)); got != "BTCUSDT" {
		t.Fatalf("after set got %s", got)
	}

	// Subscribing to SOL replays its remembered quote.
	if err := conn.WriteJSON(Request{Action: "subscribe", Instruments: []string{"SOLUSDT"}}); err != nil {
		t.Fatal(err)
	}
	if got := instrumentOf(t, readFrame(t, conn)); got != "SOLUSDT" {
		t.Fatalf("after subscribe got %s", got)
	}
}

func onlyClient(t *testing.T, h *Hub) *client {
	t.Helper()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		return c
	}
	t.Fatal("no client registered")
	return nil
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	hub, _, srv, cancel := startHub(t)
	conn := dial(t, srv)
	readFrame(t, conn)
	waitClients(t, hub, 1)

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after shutdown err = %v, want going away", err)
	}
	waitClients(t, hub, 0)
}

func TestClientApply(t *testing.T) {
	c := &client{instruments: map[string]bool{allInstruments: true}}
	if !c.wants("BTCUSDT") {
		t.Fatal("new client should want everything")
	}
	added := c.apply(Request{Action: "set", Instruments: []string{" btcusdt ", "", "ETHUSDT"}})
	if len(added) != 2 || c.wants("SOLUSDT") || !c.wants("BTCUSDT") {
		t.Fatalf("after set added=%v instruments=%v", added, c.instruments)
	}
	if added := c.apply(Request{Action: "subscribe", Instruments: []string{"BTCUSDT", "SOLUSDT"}}); len(added) != 1 || added[0] != "SOLUSDT" {
		t.Errorf("subscribe added %v", added)
	}
	c.apply(Request{Action: "unsubscribe", Instruments: []string{"btcusdt"}})
	if c.wants("BTCUSDT") {
		t.Error("unsubscribe ignored")
	}
	if added := c.apply(Request{Action: "bogus", Instruments: []string{"XRPUSDT"}}); added != nil || c.wants("XRPUSDT") {
		t.Error("unknown action changed the filter")
	}
}
