package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const binanceDefaultURL = "wss://fstream.binance.com/ws"

// binance streams partial depth over a per-symbol URL. Every frame carries the
// full top-N of both sides, so it is decoded as a snapshot.
type binance struct {
	base  string
	depth int
}

func newBinance(o Options) *binance {
	d := o.depth()
	// Partial book streams exist only for 5, 10 and 20 levels.
	switch {
	case d <= 5:
		d = 5
	case d <= 10:
		d = 10
	default:
		d = 20
	}
	return &binance{base: strings.TrimRight(orDefault(o.URL, binanceDefaultURL), "/"), depth: d}
}

func (b *binance) Name() string { return "binance" }

func (b *binance) Endpoint(instrument string) string {
	return fmt.Sprintf("%s/%s@depth%d@100ms", b.base, strings.ToLower(instrument), b.depth)
}

func (b *binance) Subscribe(string, time.Time) ([]byte, bool) { return nil, false }

func (b *binance) Heartbeat() ([]byte, bool) { return nil, false }

type binanceDepth struct {
	Event string           `json:"e"`
	Bids  *[][]json.Number `json:"b"`
	Asks  *[][]json.Number `json:"a"`
}

func (b *binance) Decode(raw []byte) ([]Event, error) {
	var msg binanceDepth
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, decodeErr(b.Name(), "invalid json", raw, err)
	}
	if msg.Bids == nil && msg.Asks == nil {
		return nil, decodeErr(b.Name(), "no book sides", raw, nil)
	}
	if msg.Event != "" && msg.Event != "depthUpdate" {
		return nil, decodeErr(b.Name(), "unexpected event "+msg.Event, raw, nil)
	}

	var bids, asks [][]json.Number
	if msg.Bids != nil {
		bids = *msg.Bids
	}
	if msg.Asks != nil {
		asks = *msg.Asks
	}
	bidLevels, err := pairsToLevels(bids)
	if err != nil {
		return nil, decodeErr(b.Name(), "bids", raw, err)
	}
	askLevels, err := pairsToLevels(asks)
	if err != nil {
		return nil, decodeErr(b.Name(), "asks", raw, err)
	}
	return bothSides(KindSnapshot, bidLevels, askLevels), nil
}
