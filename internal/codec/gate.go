package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

const gateDefaultURL = "wss://fx-ws.gateio.ws/v4/ws/usdt"

// gate publishes full top-N snapshots as event "all" on futures.order_book.
// Levels are objects with a string price and an integer contract size.
type gate struct {
	url   string
	depth int
}

func newGate(o Options) *gate {
	return &gate{url: orDefault(o.URL, gateDefaultURL), depth: o.depth()}
}

func (g *gate) Name() string { return "gate" }

func (g *gate) Endpoint(string) string { return g.url }

type gateRequest struct {
	Time    int64    `json:"time"`
	Event   string   `json:"event"`
	Channel string   `json:"channel"`
	Payload []string `json:"payload"`
}

func (g *gate) Subscribe(instrument string, now time.Time) ([]byte, bool) {
	payload, _ := json.Marshal(gateRequest{
		Time:    now.Unix(),
		Event:   "subscribe",
		Channel: "futures.order_book",
		Payload: []string{underscored(instrument), strconv.Itoa(g.depth), "0"},
	})
	return payload, true
}

func (g *gate) Heartbeat() ([]byte, bool) { return nil, false }

type gateMessage struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *gateError      `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type gateError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type gateBook struct {
	Contract string      `json:"contract"`
	Bids     []gateLevel `json:"bids"`
	Asks     []gateLevel `json:"asks"`
}

type gateLevel struct {
	P json.Number `json:"p"`
	S json.Number `json:"s"`
}

func gateLevels(in []gateLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for i, l := range in {
		lvl, err := parseLevel(l.P, l.S)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, lvl)
	}
	return out, nil
}

func (g *gate) Decode(raw []byte) ([]Event, error) {
	var msg gateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(g.Name(), "invalid json", raw, err)
	}
	if msg.Error != nil {
		return nil, decodeErr(g.Name(), fmt.Sprintf("server error %d %s", msg.Error.Code, msg.Error.Message), raw, nil)
	}

	switch msg.Event {
	case "all":
		var book gateBook
		if err := json.Unmarshal(msg.Result, &book); err != nil {
			return nil, decodeErr(g.Name(), "book result", raw, err)
		}
		bids, err := gateLevels(book.Bids)
		if err != nil {
			return nil, decodeErr(g.Name(), "bids", raw, err)
		}
		asks, err := gateLevels(book.Asks)
		if err != nil {
			return nil, decodeErr(g.Name(), "asks", raw, err)
		}
		return bothSides(KindSnapshot, bids, asks), nil
	case "subscribe", "unsubscribe":
		return heartbeatEvent, nil
	}
	if msg.Channel == "futures.pong" {
		return heartbeatEvent, nil
	}
	return nil, decodeErr(g.Name(), "unknown event "+msg.Event, raw, nil)
}
