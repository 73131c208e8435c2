// Package ws streams aggregated quotes from the signal bus to browser
// websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// allInstruments in a subscription matches every instrument.
const allInstruments = "*"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Frame is what clients receive. Type is "status" once on connect, then
// "quote" with an AggregatedQuote payload.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Request changes a client's instrument filter. Action is "subscribe",
// "unsubscribe" or "set"; "*" stands for every instrument, which is where a
// new client starts.
//
//	{"action":"set","instruments":["BTCUSDT","ETHUSDT"]}
type Request struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// Config is reported to clients in the status frame.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans quotes out to connected clients. It remembers the newest frame of
// each instrument so a client sees the full board as soon as it connects or
// subscribes.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[string][]byte // instrument -> last quote frame
	closed  bool
}

// NewHub creates a hub fed by bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return &Hub{
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: startedAt.UTC(),
		clients:   make(map[*client]struct{}),
		latest:    make(map[string][]byte),
	}
}

// Run relays quotes until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	msgs, err := h.bus.Subscribe(ctx, domain.QuoteChannelPattern)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("quote subscription closed")
				<-ctx.Done()
				return nil
			}
			h.deliver(payload)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and starts streaming.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		instruments: map[string]bool{allInstruments: true},
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) add(c *client) bool {
	status, err := h.statusFrame()
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	c.send <- status
	for _, inst := range sortedInstruments(h.latest) {
		c.offer(h.latest[inst])
	}
	h.logger.Info("client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("client disconnected", slog.Int("clients", len(h.clients)))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// deliver wraps one bus payload and queues it for every interested client.
// Payloads without an instrument are dropped.
func (h *Hub) deliver(payload []byte) {
	var head struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Instrument == "" {
		h.logger.Debug("skipping malformed quote payload")
		return
	}
	frame, err := json.Marshal(Frame{
		Type:    "quote",
		Channel: domain.QuoteChannel(head.Instrument),
		Payload: payload,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[head.Instrument] = frame
	for c := range h.clients {
		if c.wants(head.Instrument) && !c.offer(frame) {
			h.logger.Warn("client too slow, quote dropped", slog.String("instrument", head.Instrument))
		}
	}
}

// replay queues the remembered frames of instruments for c.
func (h *Hub) replay(c *client, instruments []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for _, inst := range instruments {
		if inst == allInstruments {
			for _, name := range sortedInstruments(h.latest) {
				c.offer(h.latest[name])
			}
			return
		}
	}
	for _, inst := range instruments {
		if frame, ok := h.latest[inst]; ok {
			c.offer(frame)
		}
	}
}

func (h *Hub) statusFrame() ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt,
		"uptime_seconds": int64(max(time.Since(h.startedAt), 0) / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: "status", Payload: payload})
}
