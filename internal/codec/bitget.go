package codec

import (
	"bytes"
	"encoding/json"
	"time"
)

const bitgetDefaultURL = "wss://ws.bitget.com/mix/v1/stream"

// bitget pushes the top five levels on channel books5 and expects a plain
// text ping.
type bitget struct {
	url string
}

func newBitget(o Options) *bitget {
	return &bitget{url: orDefault(o.URL, bitgetDefaultURL)}
}

func (b *bitget) Name() string { return "bitget" }

func (b *bitget) Endpoint(string) string { return b.url }

type bitgetArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

func (b *bitget) Subscribe(instrument string, _ time.Time) ([]byte, bool) {
	payload, _ := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []bitgetArg{{InstType: "MC", Channel: "books5", InstID: instrument}},
	})
	return payload, true
}

func (b *bitget) Heartbeat() ([]byte, bool) { return []byte("ping"), true }

type bitgetMessage struct {
	Event  string          `json:"event"`
	Action string          `json:"action"`
	Code   json.Number     `json:"code"`
	Msg    string          `json:"msg"`
	Data   []bitgetBookRow `json:"data"`
}

type bitgetBookRow struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

func (b *bitget) Decode(raw []byte) ([]Event, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("pong")) {
		return heartbeatEvent, nil
	}

	var msg bitgetMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(b.Name(), "invalid json", raw, err)
	}

	switch msg.Event {
	case "error":
		return nil, decodeErr(b.Name(), "server error "+msg.Code.String()+" "+msg.Msg, raw, nil)
	case "subscribe", "unsubscribe", "login":
		return heartbeatEvent, nil
	}

	if len(msg.Data) == 0 {
		return nil, decodeErr(b.Name(), "no book data", raw, nil)
	}
	row := msg.Data[0]
	bids, err := pairsToLevels(row.Bids)
	if err != nil {
		return nil, decodeErr(b.Name(), "bids", raw, err)
	}
	asks, err := pairsToLevels(row.Asks)
	if err != nil {
		return nil, decodeErr(b.Name(), "asks", raw, err)
	}
	return bothSides(KindSnapshot, bids, asks), nil
}
