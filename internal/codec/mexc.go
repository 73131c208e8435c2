package codec

import (
	"encoding/json"
	"strings"
	"time"
)

const mexcDefaultURL = "wss://contract.mexc.com/ws"

// mexc pushes full top-N depth on channel push.depth.full and expects a JSON
// ping every few seconds.
type mexc struct {
	url   string
	depth int
}

func newMexc(o Options) *mexc {
	return &mexc{url: orDefault(o.URL, mexcDefaultURL), depth: o.depth()}
}

func (m *mexc) Name() string { return "mexc" }

func (m *mexc) Endpoint(string) string { return m.url }

type mexcRequest struct {
	Method string      `json:"method"`
	Param  *mexcParams `json:"param,omitempty"`
}

type mexcParams struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

func (m *mexc) Subscribe(instrument string, _ time.Time) ([]byte, bool) {
	b, _ := json.Marshal(mexcRequest{
		Method: "sub.depth.full",
		Param:  &mexcParams{Symbol: underscored(instrument), Limit: m.depth},
	})
	return b, true
}

func (m *mexc) Heartbeat() ([]byte, bool) {
	b, _ := json.Marshal(mexcRequest{Method: "ping"})
	return b, true
}

type mexcMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type mexcDepth struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

func (m *mexc) Decode(raw []byte) ([]Event, error) {
	var msg mexcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(m.Name(), "invalid json", raw, err)
	}

	switch {
	case msg.Channel == "push.depth.full":
		var d mexcDepth
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, decodeErr(m.Name(), "depth data", raw, err)
		}
		bids, err := pairsToLevels(d.Bids)
		if err != nil {
			return nil, decodeErr(m.Name(), "bids", raw, err)
		}
		asks, err := pairsToLevels(d.Asks)
		if err != nil {
			return nil, decodeErr(m.Name(), "asks", raw, err)
		}
		return bothSides(KindSnapshot, bids, asks), nil
	case msg.Channel == "rs.error":
		return nil, decodeErr(m.Name(), "server error "+string(msg.Data), raw, nil)
	case msg.Channel == "pong", strings.HasPrefix(msg.Channel, "rs."):
		return heartbeatEvent, nil
	default:
		return nil, decodeErr(m.Name(), "unknown channel "+msg.Channel, raw, nil)
	}
}
