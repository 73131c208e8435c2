// Package aggregator merges per-exchange top-of-book notifications for one
// instrument into throttled cross-exchange quotes.
package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultPublishInterval is the minimum gap between two published quotes.
const DefaultPublishInterval = 2 * time.Second

// Sink receives every published quote.
type Sink interface {
	Publish(ctx context.Context, q domain.AggregatedQuote) error
}

// Config describes the instrument and the exchanges expected to report.
type Config struct {
	Instrument      string
	Exchanges       []string
	PublishInterval time.Duration
	// StaleAfter marks an exchange stale when its last book is older than
	// this. Zero disables the age check.
	StaleAfter time.Duration
}

// Aggregator keeps the newest top of book per exchange and publishes an
// AggregatedQuote once every configured exchange has reported.
type Aggregator struct {
	cfg      Config
	expected map[string]struct{}
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	books       map[string]domain.TopOfBook
	priced      map[string]domain.TopOfBook // newest book per exchange with a best bid
	statuses    map[string]domain.FeedStatus
	published   bool
	lastPublish time.Time
	dirty       bool
	latest      domain.AggregatedQuote
	cycles      int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// New creates an aggregator. sink may be nil.
func New(cfg Config, sink Sink, logger *slog.Logger, opts ...Option) *Aggregator {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultPublishInterval
	}
	expected := make(map[string]struct{}, len(cfg.Exchanges))
	statuses := make(map[string]domain.FeedStatus, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		expected[ex] = struct{}{}
		statuses[ex] = domain.FeedConnecting
	}
	a := &Aggregator{
		cfg:      cfg,
		expected: expected,
		sink:     sink,
		now:      time.Now,
		books:    make(map[string]domain.TopOfBook, len(cfg.Exchanges)),
		priced:   make(map[string]domain.TopOfBook, len(cfg.Exchanges)),
		statuses: statuses,
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = logger.With(
		slog.String("component", "aggregator"),
		slog.String("instrument", cfg.Instrument),
	)
	return a
}

// Run consumes notifications until ctx is done or in is closed. Updates
// suppressed by the throttle are flushed when the interval elapses.
func (a *Aggregator) Run(ctx context.Context, in <-chan domain.Notification) error {
	a.logger.Info("aggregator started", slog.Int("exchanges", len(a.cfg.Exchanges)))
	defer a.logger.Info("aggregator stopped")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var flushC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-in:
			if !ok {
				return nil
			}
			a.Handle(ctx, n)
		case <-flushC:
			flushC = nil
			a.Flush(ctx)
		}

		if flushC == nil {
			if at, ok := a.nextFlush(); ok {
				wait := at.Sub(a.now())
				if wait < 0 {
					wait = 0
				}
				timer.Reset(wait)
				flushC = timer.C
			}
		}
	}
}

// Handle folds one notification into the aggregator state and publishes if
// coverage is complete and the throttle allows it.
func (a *Aggregator) Handle(ctx context.Context, n domain.Notification) {
	a.mu.Lock()
	if _, ok := a.expected[n.Exchange]; !ok {
		a.mu.Unlock()
		a.logger.Debug("ignoring notification from unexpected exchange", slog.String("exchange", n.Exchange))
		return
	}
	if a.cfg.Instrument != "" && n.Instrument != "" && n.Instrument != a.cfg.Instrument {
		a.mu.Unlock()
		a.logger.Debug("ignoring notification for other instrument", slog.String("got", n.Instrument))
		return
	}

	a.statuses[n.Exchange] = n.Status
	if n.Kind == domain.NotifyBook {
		a.books[n.Exchange] = n.Book
		if _, ok := n.Book.BestBid(); ok {
			a.priced[n.Exchange] = n.Book
		}
	}

	if !a.coveredLocked() {
		a.mu.Unlock()
		return
	}
	now := a.now()
	if a.published && now.Sub(a.lastPublish) < a.cfg.PublishInterval {
		a.dirty = true
		a.mu.Unlock()
		return
	}
	q := a.buildLocked(now)
	a.mu.Unlock()

	a.publish(ctx, q)
}

// Flush publishes pending state if an update was suppressed and the interval
// has elapsed since the last publish.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	now := a.now()
	if !a.dirty || now.Sub(a.lastPublish) < a.cfg.PublishInterval {
		a.mu.Unlock()
		return
	}
	q := a.buildLocked(now)
	a.mu.Unlock()

	a.publish(ctx, q)
}

// Latest returns the last published quote.
func (a *Aggregator) Latest() (domain.AggregatedQuote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest, a.published
}

// Statuses returns the last known status of every configured exchange.
func (a *Aggregator) Statuses() map[string]domain.FeedStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]domain.FeedStatus, len(a.statuses))
	for k, v := range a.statuses {
		out[k] = v
	}
	return out
}

// Cycles returns how many quotes have been published.
func (a *Aggregator) Cycles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cycles
}

func (a *Aggregator) nextFlush() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return time.Time{}, false
	}
	return a.lastPublish.Add(a.cfg.PublishInterval), true
}

// coveredLocked reports whether every configured exchange has reported a
// best bid at least once.
func (a *Aggregator) coveredLocked() bool {
	if len(a.expected) == 0 {
		return false
	}
	for ex := range a.expected {
		if _, ok := a.priced[ex]; !ok {
			return false
		}
	}
	return true
}

func (a *Aggregator) buildLocked(now time.Time) domain.AggregatedQuote {
	var stale []string
	for ex := range a.expected {
		b := a.books[ex]
		_, hasBid := b.BestBid()
		switch {
		case a.statuses[ex] != domain.FeedStreaming,
			b.Degraded,
			!hasBid,
			a.cfg.StaleAfter > 0 && !b.UpdatedAt.IsZero() && now.Sub(b.UpdatedAt) > a.cfg.StaleAfter:
			stale = append(stale, ex)
		}
	}
	sort.Strings(stale)

	q := Compute(a.cfg.Instrument, a.priced, now)
	q.Stale = stale

	a.latest = q
	a.published = true
	a.lastPublish = now
	a.dirty = false
	a.cycles++
	return q
}

func (a *Aggregator) publish(ctx context.Context, q domain.AggregatedQuote) {
	a.logger.Debug("quote published",
		slog.String("spread_abs", q.SpreadAbsolute.String()),
		slog.Float64("spread_pct", q.SpreadPercent),
		slog.Int("stale", len(q.Stale)),
	)
	if a.sink == nil {
		return
	}
	if err := a.sink.Publish(ctx, q); err != nil {
		a.logger.Warn("sink publish failed", slog.String("error", err.Error()))
	}
}

var hundred = decimal.NewFromInt(100)

// Compute builds a quote from the best bid (and ask, where present) of each
// book. spreadAbsolute is max(bid)-min(bid), basePrice their midpoint, and
// spreadPercent |spread/base|*100, or 0 when the base is zero.
func Compute(instrument string, books map[string]domain.TopOfBook, now time.Time) domain.AggregatedQuote {
	q := domain.AggregatedQuote{
		Instrument:        instrument,
		PerExchangeTopBid: make(map[string]decimal.Decimal, len(books)),
		PerExchangeTopAsk: make(map[string]decimal.Decimal, len(books)),
		ComputedAt:        now,
	}

	var high, low decimal.Decimal
	first := true
	for ex, b := range books {
		if ask, ok := b.BestAsk(); ok {
			q.PerExchangeTopAsk[ex] = ask
		}
		bid, ok := b.BestBid()
		if !ok {
			continue
		}
		q.PerExchangeTopBid[ex] = bid
		if first {
			high, low = bid, bid
			first = false
			continue
		}
		if bid.GreaterThan(high) {
			high = bid
		}
		if bid.LessThan(low) {
			low = bid
		}
	}
	if first {
		return q
	}

	q.SpreadAbsolute = high.Sub(low)
	q.BasePrice = high.Add(low).Div(decimal.NewFromInt(2))
	if !q.BasePrice.IsZero() {
		q.SpreadPercent = q.SpreadAbsolute.Div(q.BasePrice).Mul(hundred).Abs().InexactFloat64()
	}
	return q
}
