package codec

import (
	"encoding/json"
	"time"
)

const (
	bybitDefaultURL = "wss://stream.bybit.com/v5/public/linear"
	bybitBookDepth  = "200"
)

// bybit sends one snapshot after subscribing and incremental deltas after
// that. A qty of zero in a delta removes the level.
type bybit struct {
	url string
}

func newBybit(o Options) *bybit {
	return &bybit{url: orDefault(o.URL, bybitDefaultURL)}
}

func (b *bybit) Name() string { return "bybit" }

func (b *bybit) Endpoint(string) string { return b.url }

func (b *bybit) Subscribe(instrument string, _ time.Time) ([]byte, bool) {
	payload, _ := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []string{"orderbook." + bybitBookDepth + "." + instrument},
	})
	return payload, true
}

func (b *bybit) Heartbeat() ([]byte, bool) { return nil, false }

type bybitMessage struct {
	Topic   string     `json:"topic"`
	Type    string     `json:"type"`
	Op      string     `json:"op"`
	Success *bool      `json:"success"`
	RetMsg  string     `json:"ret_msg"`
	Data    *bybitBook `json:"data"`
}

type bybitBook struct {
	Symbol string          `json:"s"`
	Bids   [][]json.Number `json:"b"`
	Asks   [][]json.Number `json:"a"`
}

func (b *bybit) Decode(raw []byte) ([]Event, error) {
	var msg bybitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(b.Name(), "invalid json", raw, err)
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			return nil, decodeErr(b.Name(), "op "+msg.Op+" rejected: "+msg.RetMsg, raw, nil)
		}
		return heartbeatEvent, nil
	}

	var kind Kind
	switch msg.Type {
	case "snapshot":
		kind = KindSnapshot
	case "delta":
		kind = KindDelta
	default:
		return nil, decodeErr(b.Name(), "unknown type "+msg.Type, raw, nil)
	}
	if msg.Data == nil {
		return nil, decodeErr(b.Name(), "missing data", raw, nil)
	}
	bids, err := pairsToLevels(msg.Data.Bids)
	if err != nil {
		return nil, decodeErr(b.Name(), "bids", raw, err)
	}
	asks, err := pairsToLevels(msg.Data.Asks)
	if err != nil {
		return nil, decodeErr(b.Name(), "asks", raw, err)
	}
	return bothSides(kind, bids, asks), nil
}
