// Package divergence turns aggregated quotes whose spread crosses a threshold
// into recorded, rate-limited alerts.
package divergence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/coinpair/internal/domain"
	"github.com/alanyoungcy/coinpair/internal/notify"
)

// Notifier delivers an alert to operators.
type Notifier interface {
	Notify(ctx context.Context, a notify.Alert) error
}

// Config controls when a quote becomes an alert.
type Config struct {
	ThresholdPercent float64
	Cooldown         time.Duration
}

// Detector is an aggregator sink. Each quote at or above the threshold is
// stored and announced, at most once per instrument per cooldown.
type Detector struct {
	cfg      Config
	limiter  domain.RateLimiter
	store    domain.DivergenceStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time // used when no limiter is configured
	detected  int64
}

// NewDetector creates a Detector. limiter, store and notifier are optional;
// without a limiter the cooldown is tracked in process.
func NewDetector(cfg Config, limiter domain.RateLimiter, store domain.DivergenceStore, notifier Notifier, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		limiter:   limiter,
		store:     store,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "divergence")),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Publish implements aggregator.Sink.
func (d *Detector) Publish(ctx context.Context, q domain.AggregatedQuote) error {
	if q.SpreadPercent < d.cfg.ThresholdPercent || len(q.PerExchangeTopBid) < 2 {
		return nil
	}

	ok, err := d.allow(ctx, q.Instrument)
	if err != nil {
		return fmt.Errorf("divergence: cooldown check %s: %w", q.Instrument, err)
	}
	if !ok {
		return nil
	}

	ev := NewEvent(q, d.now())
	d.logger.WarnContext(ctx, "divergence detected",
		slog.String("instrument", ev.Instrument),
		slog.String("high", ev.HighExchange),
		slog.String("low", ev.LowExchange),
		slog.Float64("spread_percent", ev.SpreadPercent),
	)

	if d.store != nil {
		if err := d.store.Insert(ctx, ev); err != nil {
			if rerr := d.release(ctx, ev.Instrument); rerr != nil {
				d.logger.WarnContext(ctx, "cooldown release failed", slog.String("error", rerr.Error()))
			}
			return fmt.Errorf("divergence: record %s: %w", ev.Instrument, err)
		}
	}
	d.mu.Lock()
	d.detected++
	d.mu.Unlock()

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, notify.DivergenceAlert(ev)); err != nil {
			d.logger.WarnContext(ctx, "divergence notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Detected returns how many alerts have fired since start.
func (d *Detector) Detected() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

func (d *Detector) allow(ctx context.Context, instrument string) (bool, error) {
	if d.cfg.Cooldown <= 0 {
		return true, nil
	}
	if d.limiter != nil {
		return d.limiter.Allow(ctx, cooldownKey(instrument), 1, d.cfg.Cooldown)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastAlert[instrument]; ok && now.Sub(last) < d.cfg.Cooldown {
		return false, nil
	}
	d.lastAlert[instrument] = now
	return true, nil
}

// release gives back the cooldown slot taken by allow for an alert that was
// never recorded.
func (d *Detector) release(ctx context.Context, instrument string) error {
	if d.cfg.Cooldown <= 0 {
		return nil
	}
	if d.limiter != nil {
		return d.limiter.Reset(ctx, cooldownKey(instrument))
	}
	d.mu.Lock()
	delete(d.lastAlert, instrument)
	d.mu.Unlock()
	return nil
}

func cooldownKey(instrument string) string { return "divergence:" + instrument }

// NewEvent builds the divergence record for q. High and low are the exchanges
// holding the maximum and minimum best bid; ties go to the name that sorts
// first.
func NewEvent(q domain.AggregatedQuote, at time.Time) domain.DivergenceEvent {
	names := make([]string, 0, len(q.PerExchangeTopBid))
	for name := range q.PerExchangeTopBid {
		names = append(names, name)
	}
	sort.Strings(names)

	var high, low string
	var hi, lo decimal.Decimal
	for i, name := range names {
		bid := q.PerExchangeTopBid[name]
		if i == 0 || bid.GreaterThan(hi) {
			high, hi = name, bid
		}
		if i == 0 || bid.LessThan(lo) {
			low, lo = name, bid
		}
	}

	return domain.DivergenceEvent{
		ID:            uuid.NewString(),
		Instrument:    q.Instrument,
		HighExchange:  high,
		LowExchange:   low,
		HighBid:       hi,
		LowBid:        lo,
		SpreadPercent: q.SpreadPercent,
		DetectedAt:    at.UTC(),
	}
}
