package codec

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

const (
	pionexDefaultURL = "wss://stream.pionex.com/stream/v2"

	// pionexPrecisionDigits groups levels at 10^-5; the wire value is the
	// shortest float form, "1e-05".
	pionexPrecisionDigits = 5
)

var pionexPrecisionValue = strconv.FormatFloat(math.Pow10(-pionexPrecisionDigits), 'g', -1, 64)

// pionex publishes grouped book snapshots. Asks arrive under "a" and bids
// under "d".
type pionex struct {
	url string
}

func newPionex(o Options) *pionex {
	return &pionex{url: orDefault(o.URL, pionexDefaultURL)}
}

func (p *pionex) Name() string { return "pionex" }

func (p *pionex) Endpoint(string) string { return p.url }

type pionexPrecision struct {
	Limit     int    `json:"limit"`
	Precision string `json:"precision"`
}

type pionexSubscription struct {
	Exchange   string            `json:"exchange"`
	Base       string            `json:"base"`
	Quote      string            `json:"quote"`
	Precisions []pionexPrecision `json:"precisions"`
}

func (p *pionex) Subscribe(instrument string, _ time.Time) ([]byte, bool) {
	base, quote := splitInstrument(instrument)
	payload, _ := json.Marshal(map[string]any{
		"action":  "subscribe",
		"channel": "order.book.grouped",
		"data": []pionexSubscription{{
			Exchange:   "pionex.v2",
			Base:       base + ".PERP",
			Quote:      quote,
			Precisions: []pionexPrecision{{Limit: 4, Precision: pionexPrecisionValue}},
		}},
	})
	return payload, true
}

func (p *pionex) Heartbeat() ([]byte, bool) { return nil, false }

type pionexMessage struct {
	Action  string          `json:"action"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    []pionexBookRow `json:"data"`
}

type pionexBookRow struct {
	Asks *[][]json.Number `json:"a"`
	Bids *[][]json.Number `json:"d"`
}

func (p *pionex) Decode(raw []byte) ([]Event, error) {
	var msg pionexMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(p.Name(), "invalid json", raw, err)
	}

	if len(msg.Data) == 0 || (msg.Data[0].Asks == nil && msg.Data[0].Bids == nil) {
		if msg.Action != "" || msg.Type != "" {
			return heartbeatEvent, nil
		}
		return nil, decodeErr(p.Name(), "no book data", raw, nil)
	}

	row := msg.Data[0]
	var bidPairs, askPairs [][]json.Number
	if row.Bids != nil {
		bidPairs = *row.Bids
	}
	if row.Asks != nil {
		askPairs = *row.Asks
	}
	bids, err := pairsToLevels(bidPairs)
	if err != nil {
		return nil, decodeErr(p.Name(), "bids", raw, err)
	}
	asks, err := pairsToLevels(askPairs)
	if err != nil {
		return nil, decodeErr(p.Name(), "asks", raw, err)
	}
	return bothSides(KindSnapshot, bids, asks), nil
}
