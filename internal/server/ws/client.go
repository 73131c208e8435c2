package ws

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // closed by the hub

	mu          sync.RWMutex
	instruments map[string]bool
}

// offer queues frame without blocking. Callers hold hub.mu so send is open.
func (c *client) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) wants(instrument string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instruments[allInstruments] || c.instruments[instrument]
}

// apply updates the filter and returns the instruments newly added.
func (c *client) apply(req Request) []string {
	names := make([]string, 0, len(req.Instruments))
	for _, inst := range req.Instruments {
		if inst = strings.ToUpper(strings.TrimSpace(inst)); inst != "" {
			names = append(names, inst)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var added []string
	switch strings.ToLower(req.Action) {
	case "set":
		prev := c.instruments
		c.instruments = make(map[string]bool, len(names))
		for _, inst := range names {
			c.instruments[inst] = true
			if !prev[inst] {
				added = append(added, inst)
			}
		}
	case "subscribe":
		for _, inst := range names {
			if !c.instruments[inst] {
				c.instruments[inst] = true
				added = append(added, inst)
			}
		}
	case "unsubscribe":
		for _, inst := range names {
			delete(c.instruments, inst)
		}
	}
	return added
}

func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
			continue
		}
		if added := c.apply(req); len(added) > 0 {
			c.hub.replay(c, added)
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sortedInstruments(m map[string][]byte) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
