package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), PoolSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func quoteAt(instrument, spread string, at time.Time) domain.AggregatedQuote {
	return domain.AggregatedQuote{
		Instrument:        instrument,
		PerExchangeTopBid: map[string]decimal.Decimal{"binance": decimal.NewFromInt(100)},
		SpreadAbsolute:    decimal.RequireFromString(spread),
		BasePrice:         decimal.NewFromInt(100),
		ComputedAt:        at.UTC(),
	}
}

func TestQuoteCacheUpsertAndGet(t *testing.T) {
	c, _ := newTestClient(t)
	qc := NewQuoteCache(c, 0)
	ctx := context.Background()
	now := time.Now()

	if _, err := qc.GetQuote(ctx, "BTCUSDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty cache err = %v", err)
	}

	if err := qc.SetQuote(ctx, quoteAt("BTCUSDT", "1", now)); err != nil {
		t.Fatal(err)
	}
	if err := qc.SetQuote(ctx, quoteAt("BTCUSDT", "2", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	got, err := qc.GetQuote(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !got.SpreadAbsolute.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("spread = %s, want 2", got.SpreadAbsolute)
	}
	if !got.PerExchangeTopBid["binance"].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("top bids = %v", got.PerExchangeTopBid)
	}
}

func TestQuoteCacheIgnoresOlderWrites(t *testing.T) {
	c, _ := newTestClient(t)
	qc := NewQuoteCache(c, 0)
	ctx := context.Background()
	now := time.Now()

	_ = qc.SetQuote(ctx, quoteAt("BTCUSDT", "5", now))
	_ = qc.SetQuote(ctx, quoteAt("BTCUSDT", "3", now.Add(-time.Second)))
	_ = qc.SetQuote(ctx, quoteAt("BTCUSDT", "4", now))

	got, err := qc.GetQuote(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !got.SpreadAbsolute.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("spread = %s, want 5 (older and duplicate writes must not win)", got.SpreadAbsolute)
	}
}

func TestQuoteCacheListPrunesExpired(t *testing.T) {
	c, mr := newTestClient(t)
	qc := NewQuoteCache(c, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_ = qc.SetQuote(ctx, quoteAt("ETHUSDT", "1", now))
	_ = qc.SetQuote(ctx, quoteAt("BTCUSDT", "1", now))

	list, err := qc.ListQuotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Instrument != "BTCUSDT" || list[1].Instrument != "ETHUSDT" {
		t.Fatalf("list = %+v", list)
	}

	mr.FastForward(2 * time.Minute)
	list, err = qc.ListQuotes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expired quotes listed: %+v", list)
	}
	if members, _ := mr.Members(quoteIndexKey); len(members) != 0 {
		t.Fatalf("index not pruned: %v", members)
	}
}

func TestSignalBusPatternSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.QuoteChannelPattern)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, domain.QuoteChannel("BTCUSDT"), []byte(`{"instrument":"BTCUSDT"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		if string(msg) != `{"instrument":"BTCUSDT"}` {
			t.Fatalf("payload = %s", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestSignalBusKeepsNewestForSlowSubscriber(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.QuoteChannel("BTCUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	const total = subscriberBuffer + 40
	for i := range total {
		if err := bus.Publish(ctx, domain.QuoteChannel("BTCUSDT"), []byte(strconv.Itoa(i))); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for bus.Dropped() < total-subscriberBuffer {
		if time.Now().After(deadline) {
			t.Fatalf("dropped = %d, want %d", bus.Dropped(), total-subscriberBuffer)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if first := string(<-ch); first != strconv.Itoa(total-subscriberBuffer) {
		t.Fatalf("oldest kept payload = %s, want %d", first, total-subscriberBuffer)
	}
	var last string
	for range subscriberBuffer - 1 {
		last = string(<-ch)
	}
	if last != strconv.Itoa(total-1) {
		t.Fatalf("newest payload = %s, want %d", last, total-1)
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := rl.Allow(ctx, "alert:BTCUSDT", 2, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("call %d allowed = %v, want %v", i, ok, want)
		}
	}

	now = now.Add(61 * time.Second)
	ok, err := rl.Allow(ctx, "alert:BTCUSDT", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("window should have slid")
	}

	if ok, _ := rl.Allow(ctx, "alert:ETHUSDT", 1, time.Minute); !ok {
		t.Fatal("keys must be independent")
	}
	if ok, _ := rl.Allow(ctx, "alert:ETHUSDT", 1, time.Minute); ok {
		t.Fatal("second call within the window should be refused")
	}
	if err := rl.Reset(ctx, "alert:ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := rl.Allow(ctx, "alert:ETHUSDT", 1, time.Minute); !ok {
		t.Fatal("Reset should reopen the window")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, err := rl.Check(ctx, "api:10.0.0.1", 2, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Count != i || d.RetryAfter != 0 {
			t.Fatalf("request %d = %+v", i, d)
		}
		now = now.Add(10 * time.Second)
	}

	d, err := rl.Check(ctx, "api:10.0.0.1", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// The oldest request is 20s old, so a slot frees in 40s.
	if d.Allowed || d.Count != 2 || d.RetryAfter != 40*time.Second {
		t.Fatalf("refused decision = %+v", d)
	}

	if d, _ := rl.Check(ctx, "api:10.0.0.2", 0, time.Minute); d.Allowed || d.RetryAfter != time.Minute {
		t.Fatalf("zero limit = %+v", d)
	}
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "archiver", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, err = lm.Acquire(ctx, "archiver", time.Minute)
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}
	if holder, _ := mr.Get(lockKey("archiver")); !strings.HasPrefix(holder, lm.owner+":") || !strings.Contains(err.Error(), holder) {
		t.Errorf("held error %q does not name holder %q", err, holder)
	}

	unlock()
	unlock()
	if mr.Exists(lockKey("archiver")) {
		t.Fatal("lock key still present after unlock")
	}

	expired, err := lm.Acquire(ctx, "archiver", time.Second)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	current, err := lm.Acquire(ctx, "archiver", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	// The holder whose lock expired must not release the new holder's lock.
	expired()
	if !mr.Exists(lockKey("archiver")) {
		t.Fatal("stale unlock released another holder's lock")
	}
	current()
	if mr.Exists(lockKey("archiver")) {
		t.Fatal("current holder could not release")
	}
}

func TestNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	if err := mr.DB(2).Set("marker", "x"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c, err := New(ctx, ClientConfig{URL: "redis://" + mr.Addr() + "/2", Addr: "ignored:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if got, err := c.Underlying().Get(ctx, "marker").Result(); err != nil || got != "x" {
		t.Fatalf("url db not selected: %q %v", got, err)
	}

	for _, cfg := range []ClientConfig{{URL: "http://nope"}, {}} {
		if _, err := New(ctx, cfg); err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
	}
}
