package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinpair/internal/aggregator"
	redisc "github.com/alanyoungcy/coinpair/internal/cache/redis"
	"github.com/alanyoungcy/coinpair/internal/domain"
)

func testQuote(instrument string, at time.Time, stale ...string) domain.AggregatedQuote {
	return domain.AggregatedQuote{
		Instrument: instrument,
		PerExchangeTopBid: map[string]decimal.Decimal{
			"binance": decimal.RequireFromString("50000"),
			"bybit":   decimal.RequireFromString("50010"),
		},
		SpreadAbsolute: decimal.RequireFromString("10"),
		BasePrice:      decimal.RequireFromString("50005"),
		SpreadPercent:  0.019998,
		Stale:          stale,
		ComputedAt:     at,
	}
}

type countSink struct {
	n   int
	err error
}

func (c *countSink) Publish(context.Context, domain.AggregatedQuote) error {
	c.n++
	return c.err
}

func TestMultiPublishesToAll(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countSink{err: boom}, &countSink{}
	m := Multi{a, nil, b}

	err := m.Publish(context.Background(), testQuote("BTCUSDT", time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Errorf("publish counts = %d, %d", a.n, b.n)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := s.Publish(context.Background(), testQuote("BTCUSDT", time.Now(), "bybit")); err != nil {
		t.Fatal(err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["instrument"] != "BTCUSDT" || line["spread"] != "10" {
		t.Errorf("log line = %v", line)
	}
	bids, _ := line["bids"].(map[string]any)
	if bids["binance"] != "50000" || bids["bybit"] != "50010" {
		t.Errorf("bids = %v", bids)
	}
}

func TestTableSinkRender(t *testing.T) {
	var out bytes.Buffer
	s := NewTableSink(&out, []string{"binance", "bybit", "mexc"})

	if err := s.Publish(context.Background(), testQuote("BTCUSDT", time.Unix(10, 0), "bybit")); err != nil {
		t.Fatal(err)
	}
	want := "" +
		"Pair     Binance  Bybit   Mexc  Difference (%)\n" +
		"BTCUSDT  50000    50010*  -     0.020\n"
	if out.String() != want {
		t.Errorf("table:\n%q\nwant:\n%q", out.String(), want)
	}
}

func TestTableSinkUpsertsByInstrument(t *testing.T) {
	var out bytes.Buffer
	s := NewTableSink(&out, []string{"binance", "bybit"})
	ctx := context.Background()

	newer := testQuote("BTCUSDT", time.Unix(20, 0))
	older := testQuote("BTCUSDT", time.Unix(10, 0))
	older.SpreadPercent = 9

	_ = s.Publish(ctx, newer)
	_ = s.Publish(ctx, testQuote("ETHUSDT", time.Unix(20, 0)))
	_ = s.Publish(ctx, older)

	out.Reset()
	if err := s.Render(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("rows = %d, want header + 2:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "BTCUSDT") || !strings.HasSuffix(lines[1], "0.020") {
		t.Errorf("older quote replaced newer row: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "ETHUSDT") {
		t.Errorf("rows not sorted: %q", lines[2])
	}
}

func TestCell(t *testing.T) {
	q := testQuote("BTCUSDT", time.Now(), "bybit")
	tests := map[string]string{"binance": "50000", "bybit": "50010*", "gate": "-"}
	for exchange, want := range tests {
		if got := Cell(q, exchange); got != want {
			t.Errorf("Cell(%s) = %q, want %q", exchange, got, want)
		}
	}
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := redisc.New(ctx, redisc.ClientConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	cache := redisc.NewQuoteCache(client, time.Minute)
	bus := redisc.NewSignalBus(client)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs, err := bus.Subscribe(subCtx, domain.QuoteChannelPattern)
	if err != nil {
		t.Fatal(err)
	}

	var s aggregator.Sink = NewRedisSink(cache, bus)
	q := testQuote("BTCUSDT", time.Now().Truncate(time.Microsecond))
	if err := s.Publish(ctx, q); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := cache.GetQuote(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if !got.SpreadAbsolute.Equal(q.SpreadAbsolute) {
		t.Errorf("cached spread = %s", got.SpreadAbsolute)
	}

	select {
	case payload := <-msgs:
		var pub domain.AggregatedQuote
		if err := json.Unmarshal(payload, &pub); err != nil {
			t.Fatal(err)
		}
		if pub.Instrument != "BTCUSDT" {
			t.Errorf("published instrument = %q", pub.Instrument)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}
}
