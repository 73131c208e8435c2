package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
)

func mustNew(t *testing.T, name string) Codec {
	t.Helper()
	c, err := New(name, Options{})
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return c
}

func levelStrings(levels []domain.PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	return out
}

func sideEvent(t *testing.T, events []Event, sd domain.Side) Event {
	t.Helper()
	for _, ev := range events {
		if ev.Side == sd && (ev.Kind == KindSnapshot || ev.Kind == KindDelta) {
			return ev
		}
	}
	t.Fatalf("no %s event in %+v", sd, events)
	return Event{}
}

func TestNewUnknownExchange(t *testing.T) {
	_, err := New("kraken", Options{})
	if !errors.Is(err, domain.ErrUnknownExchange) {
		t.Fatalf("err = %v, want ErrUnknownExchange", err)
	}
}

func TestNewIsCaseInsensitive(t *testing.T) {
	c, err := New("Gate", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Name() != "gate" {
		t.Fatalf("Name = %q", c.Name())
	}
}

func TestNamesCoversAllExchanges(t *testing.T) {
	want := []string{"binance", "bitget", "bybit", "gate", "mexc", "pionex"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}

func TestEndpoints(t *testing.T) {
	tests := []struct {
		exchange string
		want     string
	}{
		{"binance", "wss://fstream.binance.com/ws/btcusdt@depth5@100ms"},
		{"mexc", "wss://contract.mexc.com/ws"},
		{"bybit", "wss://stream.bybit.com/v5/public/linear"},
		{"bitget", "wss://ws.bitget.com/mix/v1/stream"},
		{"gate", "wss://fx-ws.gateio.ws/v4/ws/usdt"},
		{"pionex", "wss://stream.pionex.com/stream/v2"},
	}
	for _, tt := range tests {
		if got := mustNew(t, tt.exchange).Endpoint("BTCUSDT"); got != tt.want {
			t.Errorf("%s: Endpoint = %q, want %q", tt.exchange, got, tt.want)
		}
	}
}

func TestEndpointOverride(t *testing.T) {
	c, _ := New("binance", Options{URL: "ws://127.0.0.1:9000/ws/", Depth: 10})
	if got := c.Endpoint("ETHUSDT"); got != "ws://127.0.0.1:9000/ws/ethusdt@depth10@100ms" {
		t.Fatalf("Endpoint = %q", got)
	}
	c, _ = New("bybit", Options{URL: "ws://local"})
	if got := c.Endpoint("ETHUSDT"); got != "ws://local" {
		t.Fatalf("Endpoint = %q", got)
	}
}

func TestSubscribePayloads(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		exchange string
		want     string
	}{
		{"mexc", `{"method":"sub.depth.full","param":{"symbol":"BTC_USDT","limit":5}}`},
		{"bybit", `{"args":["orderbook.200.BTCUSDT"],"op":"subscribe"}`},
		{"bitget", `{"args":[{"instType":"MC","channel":"books5","instId":"BTCUSDT"}],"op":"subscribe"}`},
		{"gate", `{"time":1700000000,"event":"subscribe","channel":"futures.order_book","payload":["BTC_USDT","5","0"]}`},
		{"pionex", `{"action":"subscribe","channel":"order.book.grouped","data":[{"exchange":"pionex.v2","base":"BTC.PERP","quote":"USDT","precisions":[{"limit":4,"precision":"1e-05"}]}]}`},
	}
	for _, tt := range tests {
		got, ok := mustNew(t, tt.exchange).Subscribe("BTCUSDT", now)
		if !ok {
			t.Errorf("%s: no subscribe payload", tt.exchange)
			continue
		}
		if !jsonEqual(t, got, []byte(tt.want)) {
			t.Errorf("%s: Subscribe = %s, want %s", tt.exchange, got, tt.want)
		}
	}

	if _, ok := mustNew(t, "binance").Subscribe("BTCUSDT", now); ok {
		t.Error("binance should not send a subscribe payload")
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}

func TestHeartbeats(t *testing.T) {
	if p, ok := mustNew(t, "mexc").Heartbeat(); !ok || string(p) != `{"method":"ping"}` {
		t.Errorf("mexc heartbeat = %q %v", p, ok)
	}
	if p, ok := mustNew(t, "bitget").Heartbeat(); !ok || string(p) != "ping" {
		t.Errorf("bitget heartbeat = %q %v", p, ok)
	}
	for _, name := range []string{"binance", "bybit", "gate", "pionex"} {
		if _, ok := mustNew(t, name).Heartbeat(); ok {
			t.Errorf("%s should not send heartbeats", name)
		}
	}
}

func TestDecodeBookFrames(t *testing.T) {
	tests := []struct {
		name     string
		exchange string
		raw      string
		kind     Kind
		bids     [][2]string
		asks     [][2]string
	}{
		{
			name:     "binance partial depth",
			exchange: "binance",
			raw:      `{"e":"depthUpdate","E":1,"s":"BTCUSDT","b":[["50000.10","1.5"],["49999.00","2"]],"a":[["50001.00","0.7"]]}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"50000.1", "1.5"}, {"49999", "2"}},
			asks:     [][2]string{{"50001", "0.7"}},
		},
		{
			name:     "mexc numeric levels",
			exchange: "mexc",
			raw:      `{"channel":"push.depth.full","data":{"asks":[[50010.5,120,1]],"bids":[[50000,300,2]],"version":1},"symbol":"BTC_USDT","ts":1}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"50000", "300"}},
			asks:     [][2]string{{"50010.5", "120"}},
		},
		{
			name:     "bybit snapshot",
			exchange: "bybit",
			raw:      `{"topic":"orderbook.200.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["50000","1"]],"a":[["50002","3"]],"u":1,"seq":1}}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"50000", "1"}},
			asks:     [][2]string{{"50002", "3"}},
		},
		{
			name:     "bybit delta with removal",
			exchange: "bybit",
			raw:      `{"topic":"orderbook.200.BTCUSDT","type":"delta","ts":1,"data":{"s":"BTCUSDT","b":[["50000","0"]],"a":[],"u":2,"seq":2}}`,
			kind:     KindDelta,
			bids:     [][2]string{{"50000", "0"}},
			asks:     [][2]string{},
		},
		{
			name:     "bitget books5",
			exchange: "bitget",
			raw:      `{"action":"snapshot","arg":{"instType":"mc","channel":"books5","instId":"BTCUSDT"},"data":[{"asks":[["50003.5","4"]],"bids":[["50001","2"]],"ts":"1"}]}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"50001", "2"}},
			asks:     [][2]string{{"50003.5", "4"}},
		},
		{
			name:     "gate order book",
			exchange: "gate",
			raw:      `{"time":1,"channel":"futures.order_book","event":"all","result":{"contract":"BTC_USDT","asks":[{"p":"50004.2","s":10}],"bids":[{"p":"50000.8","s":25}]}}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"50000.8", "25"}},
			asks:     [][2]string{{"50004.2", "10"}},
		},
		{
			name:     "pionex grouped book",
			exchange: "pionex",
			raw:      `{"channel":"order.book.grouped","data":[{"a":[["50006","1.1"]],"d":[["49998","0.9"]]}]}`,
			kind:     KindSnapshot,
			bids:     [][2]string{{"49998", "0.9"}},
			asks:     [][2]string{{"50006", "1.1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := mustNew(t, tt.exchange).Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			bid := sideEvent(t, events, domain.SideBid)
			ask := sideEvent(t, events, domain.SideAsk)
			if bid.Kind != tt.kind || ask.Kind != tt.kind {
				t.Fatalf("kinds = %s/%s, want %s", bid.Kind, ask.Kind, tt.kind)
			}
			assertLevels(t, "bids", bid.Levels, tt.bids)
			assertLevels(t, "asks", ask.Levels, tt.asks)
		})
	}
}

func assertLevels(t *testing.T, label string, got []domain.PriceLevel, want [][2]string) {
	t.Helper()
	g := levelStrings(got)
	if len(g) != len(want) {
		t.Fatalf("%s = %v, want %v", label, g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("%s = %v, want %v", label, g, want)
		}
	}
}

func TestDecodeControlFramesAsHeartbeat(t *testing.T) {
	tests := []struct {
		exchange string
		raw      string
	}{
		{"mexc", `{"channel":"pong","data":1700000000000}`},
		{"mexc", `{"channel":"rs.sub.depth.full","data":"success","ts":1}`},
		{"bybit", `{"success":true,"ret_msg":"","conn_id":"x","op":"subscribe"}`},
		{"bitget", `pong`},
		{"bitget", `{"event":"subscribe","arg":{"instType":"MC","channel":"books5","instId":"BTCUSDT"}}`},
		{"gate", `{"time":1,"channel":"futures.order_book","event":"subscribe","result":{"status":"success"}}`},
		{"pionex", `{"action":"subscribe","channel":"order.book.grouped","code":0}`},
	}
	for _, tt := range tests {
		events, err := mustNew(t, tt.exchange).Decode([]byte(tt.raw))
		if err != nil {
			t.Errorf("%s %s: %v", tt.exchange, tt.raw, err)
			continue
		}
		if len(events) != 1 || events[0].Kind != KindHeartbeat {
			t.Errorf("%s %s: events = %+v, want heartbeat", tt.exchange, tt.raw, events)
		}
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		exchange string
		raw      string
	}{
		{"binance", `not json`},
		{"binance", `{"result":null,"id":1}`},
		{"binance", `{"e":"depthUpdate","b":[["abc","1"]],"a":[]}`},
		{"binance", `{"e":"depthUpdate","b":[["100","-1"]],"a":[]}`},
		{"binance", `{"e":"depthUpdate","b":[["100"]],"a":[]}`},
		{"mexc", `{"channel":"rs.error","data":"invalid symbol"}`},
		{"mexc", `{"channel":"push.ticker","data":{}}`},
		{"bybit", `{"success":false,"ret_msg":"bad topic","op":"subscribe"}`},
		{"bybit", `{"topic":"orderbook.200.BTCUSDT","type":"delta"}`},
		{"bitget", `{"event":"error","code":30001,"msg":"instType:MC,channel:books5 doesn't exist"}`},
		{"bitget", `{"action":"snapshot","data":[]}`},
		{"gate", `{"time":1,"channel":"futures.order_book","event":"subscribe","error":{"code":2,"message":"unknown contract"}}`},
		{"gate", `{"time":1,"channel":"futures.order_book","event":"update","result":[]}`},
		{"pionex", `{}`},
	}
	for _, tt := range tests {
		events, err := mustNew(t, tt.exchange).Decode([]byte(tt.raw))
		if err == nil {
			t.Errorf("%s %s: expected error, got %+v", tt.exchange, tt.raw, events)
			continue
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err %T is not *DecodeError", tt.exchange, err)
			continue
		}
		if de.Exchange != tt.exchange {
			t.Errorf("DecodeError.Exchange = %q, want %q", de.Exchange, tt.exchange)
		}
		if !IsUnrecognized(err) {
			t.Errorf("%s: error does not wrap ErrUnrecognized", tt.exchange)
		}
	}
}

type panicCodec struct{ Codec }

func (panicCodec) Name() string                   { return "panicky" }
func (panicCodec) Decode([]byte) ([]Event, error) { panic("boom") }

func TestSafeDecodeRecoversPanic(t *testing.T) {
	events, err := SafeDecode(panicCodec{}, []byte(`{}`))
	if events != nil {
		t.Fatalf("events = %+v, want nil", events)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Exchange != "panicky" {
		t.Fatalf("err = %v, want DecodeError for panicky", err)
	}
}

func TestDecodeErrorTruncatesPayload(t *testing.T) {
	raw := make([]byte, 1000)
	for i := range raw {
		raw[i] = 'x'
	}
	_, err := mustNew(t, "binance").Decode(raw)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if len(de.Payload) > maxPayloadSnippet+3 {
		t.Fatalf("payload snippet length %d", len(de.Payload))
	}
}

func TestSplitInstrument(t *testing.T) {
	tests := []struct{ in, base, quote string }{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethusdc", "ETH", "USDC"},
		{"SOLUSD", "SOL", "USD"},
		{"1000PEPEUSDT", "1000PEPE", "USDT"},
	}
	for _, tt := range tests {
		b, q := splitInstrument(tt.in)
		if b != tt.base || q != tt.quote {
			t.Errorf("splitInstrument(%q) = %q,%q want %q,%q", tt.in, b, q, tt.base, tt.quote)
		}
	}
}
